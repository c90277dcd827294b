package images

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-logr/logr"
	gocache "github.com/patrickmn/go-cache"
)

const (
	harborCacheTTL     = 5 * time.Second
	harborPageSize     = "25"
	harborRequestLimit = 5 * time.Second
	userAgent          = "jobs-api"
)

// HarborConfig locates the registry holding buildpack images.
type HarborConfig struct {
	Host     string `json:"host"`
	Protocol string `json:"protocol"`
}

// LoadHarborConfig reads the registry location from a JSON file.
func LoadHarborConfig(path string) (HarborConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return HarborConfig{}, fmt.Errorf("failed to read harbor config %s: %w", path, err)
	}

	var cfg HarborConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return HarborConfig{}, fmt.Errorf("failed to parse harbor config %s: %w", path, err)
	}
	if cfg.Host == "" {
		return HarborConfig{}, fmt.Errorf("harbor config %s has no host", path)
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "https"
	}
	return cfg, nil
}

// HarborProject is the Harbor project holding a tool's images.
func HarborProject(tool string) string {
	return "tool-" + tool
}

// Registry lists buildpack images of a tool.
type Registry interface {
	Host() string
	Images(ctx context.Context, tool string, useCache bool) ([]Image, error)
}

// HarborClient lists images through the Harbor v2 API. Results are cached
// per tool for a few seconds since one request resolves several images.
type HarborClient struct {
	config HarborConfig
	http   *http.Client
	cache  *gocache.Cache
	logger logr.Logger
}

// NewHarborClient creates a client for the registry in cfg.
func NewHarborClient(cfg HarborConfig, httpClient *http.Client, logger logr.Logger) *HarborClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: harborRequestLimit}
	}
	return &HarborClient{
		config: cfg,
		http:   httpClient,
		cache:  gocache.New(harborCacheTTL, time.Minute),
		logger: logger.WithName("harbor"),
	}
}

// Host implements Registry.
func (c *HarborClient) Host() string {
	return c.config.Host
}

type harborRepository struct {
	Name string `json:"name"`
}

type harborArtifact struct {
	Type   string      `json:"type"`
	Digest string      `json:"digest"`
	Tags   []harborTag `json:"tags"`
}

type harborTag struct {
	Name string `json:"name"`
}

type httpStatusError struct {
	status int
	url    string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.status, e.url)
}

// Images implements Registry. Registry failures are logged and produce an
// empty list: a broken registry must not hide the prebuilt images.
func (c *HarborClient) Images(ctx context.Context, tool string, useCache bool) ([]Image, error) {
	if useCache {
		if cached, ok := c.cache.Get(tool); ok {
			return cloneAll(cached.([]Image)), nil
		}
	}

	project := HarborProject(tool)
	var repos []harborRepository
	err := c.get(ctx, fmt.Sprintf("/api/v2.0/projects/%s/repositories", url.QueryEscape(project)),
		url.Values{"with_tag": {"true"}, "page": {"1"}, "page_size": {harborPageSize}}, &repos)
	if err != nil {
		var statusErr *httpStatusError
		// a missing project answers 401, usually a typo in the tool name
		if !errors.As(err, &statusErr) || statusErr.status != http.StatusUnauthorized {
			c.logger.Error(err, "failed to load harbor images", "project", project)
		}
		return nil, nil
	}

	var images []Image
	for _, repo := range repos {
		name := strings.TrimPrefix(repo.Name, project+"/")
		images = append(images, c.imagesForRepository(ctx, project, name)...)
	}

	c.cache.SetDefault(tool, cloneAll(images))
	return images, nil
}

func (c *HarborClient) imagesForRepository(ctx context.Context, project, name string) []Image {
	var artifacts []harborArtifact
	path := fmt.Sprintf("/api/v2.0/projects/%s/repositories/%s/artifacts",
		url.QueryEscape(project), url.QueryEscape(name))
	if err := c.get(ctx, path, url.Values{"page": {"1"}, "page_size": {harborPageSize}}, &artifacts); err != nil {
		c.logger.Error(err, "failed to load harbor tags", "project", project, "repository", name)
		return nil
	}

	var images []Image
	for _, artifact := range artifacts {
		if artifact.Type != "IMAGE" {
			continue
		}
		for _, tag := range artifact.Tags {
			canonical := fmt.Sprintf("%s/%s:%s", project, name, tag.Name)
			images = append(images, Image{
				CanonicalName: canonical,
				Type:          TypeBuildpack,
				Aliases:       []string{canonical + "@" + artifact.Digest},
				Container:     fmt.Sprintf("%s/%s", c.config.Host, canonical),
				State:         StateStable,
				Digest:        artifact.Digest,
			})
		}
	}
	return images
}

func (c *HarborClient) get(ctx context.Context, path string, query url.Values, out any) error {
	u := fmt.Sprintf("%s://%s%s?%s", c.config.Protocol, c.config.Host, path, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &httpStatusError{status: resp.StatusCode, url: u}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", u, err)
	}
	return nil
}
