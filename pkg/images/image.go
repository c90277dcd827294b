// Package images resolves the container images a job may run.
//
// Two sources are merged: the platform image configuration (prebuilt
// images published in a ConfigMap) and the tool's own Harbor project
// (buildpack images).
package images

import (
	"errors"
	"strings"
)

// Type tells prebuilt images from buildpack images.
type Type string

const (
	TypeStandard  Type = "standard"
	TypeBuildpack Type = "buildpack"
)

const (
	StateUnknown = "unknown"
	StateStable  = "stable"
)

// UsesStandardNFS reports whether images of this type get the classic NFS
// home layout.
func (t Type) UsesStandardNFS() bool {
	return t != TypeBuildpack
}

// Image is a resolved container image.
type Image struct {
	CanonicalName string   `json:"canonical_name" yaml:"canonical_name"`
	Type          Type     `json:"type" yaml:"type"`
	Aliases       []string `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	Container     string   `json:"container,omitempty" yaml:"container,omitempty"`
	State         string   `json:"state" yaml:"state"`
	Digest        string   `json:"digest,omitempty" yaml:"digest,omitempty"`
}

// New returns an image with the type inferred from the name when not set.
func New(canonicalName string, t Type) Image {
	img := Image{CanonicalName: canonicalName, Type: t, State: StateUnknown}
	img.inferType()
	return img
}

func (i *Image) inferType() {
	if i.Type != "" {
		return
	}
	if strings.Contains(i.CanonicalName, "/") {
		i.Type = TypeBuildpack
	} else {
		i.Type = TypeStandard
	}
}

// IsBuildpack reports whether the image was built by the build service.
func (i Image) IsBuildpack() bool {
	return i.Type == TypeBuildpack
}

// FullURL returns the pullable reference, pinned to the digest if known.
func (i Image) FullURL() (string, error) {
	if i.Container == "" {
		return "", errors.New("can't generate full url as container is still empty")
	}
	if i.Digest != "" {
		return i.Container + "@" + i.Digest, nil
	}
	return i.Container, nil
}

func (i Image) clone() Image {
	out := i
	out.Aliases = append([]string(nil), i.Aliases...)
	return out
}

func cloneAll(in []Image) []Image {
	out := make([]Image, len(in))
	for n, img := range in {
		out[n] = img.clone()
	}
	return out
}
