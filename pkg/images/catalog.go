package images

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"
)

// Registry hosts that are no longer used but still show up on old objects.
var legacyRegistryPrefixes = []string{
	"docker-registry.tools.wmflabs.org/",
	"docker-registry.svc.toolforge.org/",
}

// NotFoundError is returned when an image reference matches nothing.
type NotFoundError struct {
	Reference string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("No such image '%s'", e.Reference)
}

// Catalog merges prebuilt and registry images and resolves references
// against them.
type Catalog struct {
	config          *ConfigCache
	registry        Registry
	refreshInterval time.Duration
	logger          logr.Logger
}

// NewCatalog wires a catalog. registry may be nil when buildpack images
// are not available.
func NewCatalog(config *ConfigCache, registry Registry, refreshInterval time.Duration, logger logr.Logger) *Catalog {
	return &Catalog{
		config:          config,
		registry:        registry,
		refreshInterval: refreshInterval,
		logger:          logger.WithName("images"),
	}
}

// Invalidate forces the next lookup to reload the image configuration.
func (c *Catalog) Invalidate() {
	c.config.Invalidate()
}

// List returns every image available to tool.
func (c *Catalog) List(ctx context.Context, tool string, ignoreWebVariant, useRegistryCache bool) ([]Image, error) {
	entries, err := c.config.Get(ctx, c.refreshInterval)
	if err != nil {
		return nil, fmt.Errorf("failed to load image config: %w", err)
	}

	images := prebuiltImages(entries, ignoreWebVariant)
	if len(images) == 0 {
		return nil, ErrNoImages
	}

	if c.registry != nil {
		registryImages, err := c.registry.Images(ctx, tool, useRegistryCache)
		if err != nil {
			return nil, err
		}
		images = append(images, registryImages...)
	}
	return images, nil
}

// Available returns the images a user can pick from, one entry per
// canonical name, sorted.
func (c *Catalog) Available(ctx context.Context, tool string) ([]Image, error) {
	all, err := c.List(ctx, tool, true, true)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var out []Image
	for _, img := range all {
		if seen[img.CanonicalName] {
			continue
		}
		seen[img.CanonicalName] = true
		out = append(out, img)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CanonicalName < out[j].CanonicalName })
	return out, nil
}

func (c *Catalog) hostless(ref string) string {
	if c.registry != nil && c.registry.Host() != "" {
		if after, ok := strings.CutPrefix(ref, c.registry.Host()+"/"); ok {
			return after
		}
	}
	for _, prefix := range legacyRegistryPrefixes {
		if after, ok := strings.CutPrefix(ref, prefix); ok {
			return after
		}
	}
	return ref
}

// Resolve finds the image behind a name or pull URL. Accepted forms:
//
//	node18                                        prebuilt canonical name
//	tf-node18                                     prebuilt alias
//	docker-registry.example.org/image:latest      prebuilt container URL
//	tool-foo/app:latest[@sha256:...]              buildpack image path
//	harbor.example.org/tool-foo/app:latest[@...]  buildpack image URL
//
// With mustExist unset an unknown reference yields a new image built from
// the reference itself, otherwise a *NotFoundError.
func (c *Catalog) Resolve(ctx context.Context, tool, ref string, mustExist bool) (Image, error) {
	withTagAndDigest := c.hostless(ref)
	imageType := TypeStandard
	state := StateUnknown

	withTag, digest, _ := strings.Cut(withTagAndDigest, "@")

	project := ""
	if p, _, found := strings.Cut(withTag, "/"); found {
		project = p
		imageType = TypeBuildpack
		state = StateStable
	}
	name, _, _ := strings.Cut(withTag, ":")

	if project != "" {
		// tools may use images of other tools
		tool = strings.TrimPrefix(project, "tool-")
	}

	all, err := c.List(ctx, tool, false, true)
	if err != nil {
		return Image{}, err
	}

	if img, ok := match(all, ref, withTagAndDigest, withTag, name, digest); ok {
		return img, nil
	}

	c.logger.V(1).Info("no matching image", "reference", ref, "tool", tool, "available", len(all))
	if mustExist {
		return Image{}, &NotFoundError{Reference: ref}
	}

	var aliases []string
	if digest != "" {
		aliases = append(aliases, withTagAndDigest)
	}
	return Image{
		CanonicalName: withTag,
		Type:          imageType,
		Aliases:       aliases,
		Container:     ref,
		State:         state,
		Digest:        digest,
	}, nil
}

func match(all []Image, ref, withTagAndDigest, withTag, name, digest string) (Image, bool) {
	for _, img := range all {
		switch {
		case img.CanonicalName == name || img.CanonicalName == withTag:
			if digest == "" || digest == img.Digest {
				out := img.clone()
				out.Digest = digest
				return out, true
			}
		case slices.Contains(img.Aliases, withTagAndDigest) || ref == img.Container:
			out := img.clone()
			out.Digest = digest
			return out, true
		default:
			// last resort: same image family regardless of variant or tag,
			// e.g. a -web-sssd webservice image against the -sssd job one
			if ref != "" && img.Container != "" && strings.HasSuffix(familyPrefix(img.Container), familyPrefix(ref)) {
				return img.clone(), true
			}
		}
	}
	return Image{}, false
}

func familyPrefix(s string) string {
	s, _, _ = strings.Cut(s, "-sssd")
	s, _, _ = strings.Cut(s, "-web-sssd")
	return s
}
