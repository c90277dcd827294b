package api

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	sigsyaml "sigs.k8s.io/yaml"

	"github.com/chambrid/jobs-api/internal/runtime/k8s"
	"github.com/chambrid/jobs-api/pkg/cron"
	"github.com/chambrid/jobs-api/pkg/identity"
	"github.com/chambrid/jobs-api/pkg/images"
	"github.com/chambrid/jobs-api/pkg/jobs"
)

const defaultRenderUID = 1000

// literalImages resolves every reference to an image of that name, for
// rendering without an image configuration.
type literalImages struct{}

func (literalImages) Resolve(_ context.Context, _, ref string, _ bool) (images.Image, error) {
	img := images.New(ref, "")
	img.Container = ref
	return img, nil
}

func newRenderCommand() *cobra.Command {
	var (
		file       string
		tool       string
		uid        int64
		imagesFile string
		domain     string
	)

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Print the Kubernetes manifests of a job definition",
		Example: `  # Render a job file for the tool "mytool"
  jobs-api render -f job.yaml --tool mytool

  # Resolve image names against a local copy of the image configuration
  jobs-api render -f job.yaml --tool mytool --images images-v1.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := readJobFile(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}

			var resolver ImageResolver = literalImages{}
			if imagesFile != "" {
				resolver, err = fileCatalog(imagesFile)
				if err != nil {
					return err
				}
			}

			defaults := jobs.DefaultResources()
			job, err := req.ToJob(cmd.Context(), tool, resolver, defaults)
			if err != nil {
				return err
			}
			manifests, err := k8s.NewTranslator(identity.FixedResolver(uid), defaults, domain).Manifests(job)
			if err != nil {
				return err
			}
			return writeManifests(cmd.OutOrStdout(), manifests)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Job definition file, - for stdin")
	cmd.Flags().StringVar(&tool, "tool", "", "Tool owning the job")
	cmd.Flags().Int64Var(&uid, "uid", defaultRenderUID, "UID the job runs as")
	cmd.Flags().StringVar(&imagesFile, "images", "", "Image configuration file (images-v1.yaml format)")
	cmd.Flags().StringVar(&domain, "domain", "toolforge.org", "Public domain of published jobs")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("tool")
	return cmd
}

func readJobFile(stdin io.Reader, path string) (*NewJobRequest, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}

	var req NewJobRequest
	if err := yaml.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	return &req, nil
}

func fileCatalog(path string) (*images.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image config: %w", err)
	}
	entries := map[string]images.ConfigEntry{}
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse image config: %w", err)
	}
	return images.NewCatalog(images.NewConfigCache(images.StaticLoader(entries)), nil, time.Hour, logr.Discard()), nil
}

func writeManifests(w io.Writer, manifests *k8s.Manifests) error {
	for i, obj := range manifests.Objects() {
		out, err := sigsyaml.Marshal(obj)
		if err != nil {
			return fmt.Errorf("failed to render manifest: %w", err)
		}
		if i > 0 {
			fmt.Fprintln(w, "---")
		}
		if _, err := w.Write(out); err != nil {
			return err
		}
	}
	return nil
}

func newCronCommand() *cobra.Command {
	var (
		job   string
		tool  string
		count int
	)

	cmd := &cobra.Command{
		Use:   "cron <expression>",
		Short: "Show how a schedule resolves for a job",
		Long: `Show how a schedule resolves for a job.

Macros such as @daily are spread over the day, the time picked depends
on the tool and job names and does not change between runs.`,
		Example: `  jobs-api cron @daily --tool mytool --job backup --count 3`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			expr, err := cron.Parse(args[0], job, tool)
			if err != nil {
				return err
			}
			next, err := expr.NextN(time.Now(), count)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, expr.String())
			for _, t := range next {
				fmt.Fprintln(out, t.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&job, "job", "", "Job name")
	cmd.Flags().StringVar(&tool, "tool", "", "Tool name")
	cmd.Flags().IntVar(&count, "count", 5, "Number of fire times to show")
	_ = cmd.MarkFlagRequired("job")
	_ = cmd.MarkFlagRequired("tool")
	return cmd
}
