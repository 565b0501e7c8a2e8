package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	neturl "net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/vk/blockflow/internal/app"
	"github.com/vk/blockflow/internal/config"
	"github.com/vk/blockflow/internal/ctxlog"
	"github.com/vk/blockflow/internal/events"
	"github.com/vk/blockflow/internal/job"
	"github.com/vk/blockflow/internal/progress"
)

func newWatchCommand(g *globals) *cobra.Command {
	var (
		url       string
		fromRedis bool
	)
	cmd := &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Stream the progress of a job until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load(nil)
			if err != nil {
				return err
			}
			jobID := args[0]
			a := app.New(g.outW, cfg)
			ctx := ctxlog.WithLogger(cmd.Context(), a.Logger())

			if fromRedis {
				return watchRedis(ctx, cfg, jobID)
			}
			client, err := progress.Dial(ctx, url, progress.Subscription{JobID: jobID})
			if err != nil {
				return err
			}
			defer client.Close()

			// Events of a job that finished before the room was joined are
			// gone; the job API still has its snapshot.
			snap, err := fetchSnapshot(ctx, url, jobID)
			if err != nil {
				ctxlog.FromContext(ctx).Debug("Job snapshot unavailable, following events.", "job_id", jobID, "error", err)
			} else if snap.State.Terminal() {
				events.LogSink{}.Handle(ctx, events.Event{Kind: events.JobFinished, JobID: jobID, Job: snap})
				return jobResult(jobID, snap.State)
			}
			return follow(ctx, jobID, client.Events())
		},
	}
	f := cmd.Flags()
	f.StringVar(&url, "url", "http://localhost:8080/socket.io/", "Progress endpoint of a blockflow server.")
	f.BoolVar(&fromRedis, "redis", false, "Follow the job through the configured Redis instead of socket.io.")
	return cmd
}

func watchRedis(ctx context.Context, cfg *config.Config, jobID string) error {
	if cfg.Redis.URL == "" {
		return usageError(errors.New("--redis needs redis.url to be configured"))
	}
	client, err := events.OpenRedis(ctx, cfg.Redis.URL)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := events.SubscribeRedis(ctx, client, cfg.Redis.Prefix, jobID)
	if err != nil {
		return err
	}

	// A job that finished before the subscription started only left its
	// snapshot behind.
	snap, err := events.LatestSnapshot(ctx, client, cfg.Redis.Prefix, jobID)
	if err != nil {
		return err
	}
	if snap != nil && snap.State.Terminal() {
		events.LogSink{}.Handle(ctx, events.Event{Kind: events.JobFinished, JobID: jobID, Job: snap})
		return jobResult(jobID, snap.State)
	}
	return follow(ctx, jobID, stream)
}

// fetchSnapshot asks the server behind socketURL for the job's current
// snapshot through GET /jobs/{id}.
func fetchSnapshot(ctx context.Context, socketURL, jobID string) (*job.Snapshot, error) {
	u, err := neturl.Parse(socketURL)
	if err != nil {
		return nil, fmt.Errorf("invalid progress url %q: %w", socketURL, err)
	}
	u.Path = "/jobs/" + neturl.PathEscape(jobID)
	u.RawQuery = ""

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch job %s: %w", jobID, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch job %s: %s", jobID, res.Status)
	}
	var snap job.Snapshot
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", jobID, err)
	}
	return &snap, nil
}

// follow logs every event of the stream until the job finishes.
func follow(ctx context.Context, jobID string, stream <-chan events.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-stream:
			if !ok {
				return fmt.Errorf("event stream for job %s closed before it finished", jobID)
			}
			if ev.JobID != jobID {
				continue
			}
			events.LogSink{}.Handle(ctx, ev)
			if ev.Kind == events.JobFinished {
				var state job.State
				if ev.Job != nil {
					state = ev.Job.State
				}
				return jobResult(jobID, state)
			}
		}
	}
}

// jobResult maps a finished job's state to the command's exit status. An
// unknown state counts as success.
func jobResult(jobID string, state job.State) error {
	if state != "" && state != job.StateSuccess {
		return &ExitError{Code: 1, Message: fmt.Sprintf("job %s finished in state %s", jobID, state)}
	}
	return nil
}
