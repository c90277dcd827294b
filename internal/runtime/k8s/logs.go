package k8s

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8slabels "k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/ptr"

	"github.com/chambrid/jobs-api/pkg/jobs"
	"github.com/chambrid/jobs-api/pkg/labels"
)

// LogEntry is a single log line of a job container.
type LogEntry struct {
	Pod       string    `json:"pod"`
	Container string    `json:"container"`
	Datetime  time.Time `json:"datetime"`
	Message   string    `json:"message"`
}

// MarshalJSON renders the timestamp without fractional seconds.
func (e LogEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Pod       string `json:"pod"`
		Container string `json:"container"`
		Datetime  string `json:"datetime"`
		Message   string `json:"message"`
	}{e.Pod, e.Container, e.Datetime.UTC().Truncate(time.Second).Format(time.RFC3339), e.Message})
}

// LogQuery selects the logs of a job.
type LogQuery struct {
	Tool   string
	Job    string
	Follow bool
	// Lines is the number of lines wanted, 0 for the backend default
	Lines int
}

// LogSource is a log backend. emit is called once per entry; an error
// from emit stops the query and is returned.
type LogSource interface {
	Query(ctx context.Context, q LogQuery, emit func(LogEntry) error) error
}

// PodLogSource reads logs straight from the pods.
type PodLogSource struct {
	client kubernetes.Interface
	logger logr.Logger
}

// NewPodLogSource creates a pod log backend.
func NewPodLogSource(client kubernetes.Interface, logger logr.Logger) *PodLogSource {
	return &PodLogSource{client: client, logger: logger.WithName("podlogs")}
}

// Query implements LogSource. Pods are streamed concurrently when
// following.
func (s *PodLogSource) Query(ctx context.Context, q LogQuery, emit func(LogEntry) error) error {
	ns := namespace(q.Tool)
	pods, err := s.client.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{
		LabelSelector: k8slabels.SelectorFromSet(labels.ForJob(q.Tool, q.Job)).String(),
	})
	if err != nil {
		return fmt.Errorf("failed to list pods: %w", err)
	}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		firstErr error
	)
	locked := func(e LogEntry) error {
		mu.Lock()
		defer mu.Unlock()
		return emit(e)
	}

	for i := range pods.Items {
		pod := pods.Items[i]
		run := func() {
			if err := s.streamPod(ctx, pod, q, locked); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}
		if !q.Follow {
			run()
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			run()
		}()
	}
	wg.Wait()
	return firstErr
}

func (s *PodLogSource) streamPod(ctx context.Context, pod corev1.Pod, q LogQuery, emit func(LogEntry) error) error {
	opts := &corev1.PodLogOptions{
		Container:  ContainerName,
		Follow:     q.Follow,
		Timestamps: true,
	}
	if q.Lines > 0 {
		opts.TailLines = ptr.To(int64(q.Lines))
	}

	stream, err := s.client.CoreV1().Pods(pod.Namespace).GetLogs(pod.Name, opts).Stream(ctx)
	if err != nil {
		s.logger.V(1).Info("unable to stream pod logs", "pod", pod.Name, "error", err.Error())
		return nil
	}
	defer func() {
		_ = stream.Close()
	}()

	scanner := bufio.NewScanner(stream)
	for scanner.Scan() {
		if err := emit(parsePodLogLine(pod.Name, scanner.Text())); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("failed to read logs of pod %s: %w", pod.Name, err)
	}
	return nil
}

func parsePodLogLine(pod, line string) LogEntry {
	entry := LogEntry{Pod: pod, Container: ContainerName, Message: line}
	ts, msg, ok := strings.Cut(line, " ")
	if !ok {
		return entry
	}
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		entry.Datetime = t
		entry.Message = msg
	}
	return entry
}

// LokiEntryLimit is the most entries Loki returns for one query.
const LokiEntryLimit = 5000

// LokiSource queries logs shipped to Loki.
type LokiSource struct {
	baseURL    string
	httpClient *http.Client
	entryLimit int
}

// NewLokiSource creates a Loki backend for baseURL, e.g.
// http://loki.example:3100/loki.
func NewLokiSource(baseURL string, httpClient *http.Client) *LokiSource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &LokiSource{baseURL: strings.TrimSuffix(baseURL, "/"), httpClient: httpClient, entryLimit: LokiEntryLimit}
}

// BuildLogQL renders a stream selector.
func BuildLogQL(selector map[string]string) string {
	keys := make([]string, 0, len(selector))
	for k := range selector {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, selector[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

type lokiResponse struct {
	Data struct {
		Result []struct {
			Stream map[string]string `json:"stream"`
			Values [][2]string       `json:"values"`
		} `json:"result"`
	} `json:"data"`
}

// Query implements LogSource. Following is not supported by the range
// API, a follow query returns the current window.
func (s *LokiSource) Query(ctx context.Context, q LogQuery, emit func(LogEntry) error) error {
	if q.Lines > s.entryLimit {
		return jobs.Validationf("Requested number of %d lines is over limit of %d", q.Lines, s.entryLimit)
	}
	limit := q.Lines
	if limit == 0 {
		limit = 500
	}

	params := url.Values{}
	params.Set("query", BuildLogQL(map[string]string{"job": q.Job}))
	params.Set("since", "1h")
	params.Set("limit", strconv.Itoa(limit))
	params.Set("direction", "forward")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/v1/query_range?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to build loki request: %w", err)
	}
	req.Header.Set("User-Agent", "jobs-api")
	req.Header.Set("X-Scope-OrgID", namespace(q.Tool))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to query loki: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("loki returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded lokiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("failed to decode loki response: %w", err)
	}

	for _, result := range decoded.Data.Result {
		for _, value := range result.Values {
			nanos, err := strconv.ParseInt(value[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid loki timestamp %q: %w", value[0], err)
			}
			entry := LogEntry{
				Pod:       result.Stream["pod"],
				Container: result.Stream["container"],
				Datetime:  time.Unix(0, nanos).UTC(),
				Message:   value[1],
			}
			if err := emit(entry); err != nil {
				return err
			}
		}
	}
	return nil
}
