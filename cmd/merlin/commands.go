package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tpatki/merlin/jobspec"
	"github.com/tpatki/merlin/monitor"
	"github.com/tpatki/merlin/status"
	"github.com/tpatki/merlin/taskqueue"
)

func addSpecFlags(cmd *cobra.Command) {
	cmd.Flags().String("spec", "spec.yaml", "Job specification file")
	cmd.Flags().StringSlice("steps", []string{"all"}, "Steps whose queues the command applies to")
}

func loadSpecQueues(cmd *cobra.Command) (*jobspec.Spec, []string, error) {
	specPath, _ := cmd.Flags().GetString("spec")
	steps, _ := cmd.Flags().GetStringSlice("steps")

	spec, err := jobspec.Load(specPath)
	if err != nil {
		return nil, nil, err
	}
	queues, err := spec.QueueList(steps)
	if err != nil {
		return nil, nil, err
	}
	return spec, queues, nil
}

func newMonitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Keep checking the job until it has no active work left",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, backend, err := setup(cmd)
			if err != nil {
				return err
			}
			defer backend.Close()

			spec, queues, err := loadSpecQueues(cmd)
			if err != nil {
				return err
			}

			sleepSeconds, _ := cmd.Flags().GetInt("sleep")
			csvPath, _ := cmd.Flags().GetString("csv")
			filterJobs, _ := cmd.Flags().GetBool("filter-jobs")

			sleep := time.Duration(sleepSeconds) * time.Second
			opts := []monitor.Option{monitor.WithSleep(sleep)}
			if filterJobs {
				opts = append(opts, monitor.WithJobFilter())
			}
			m := monitor.New(backend, queues, spec.WorkerNames(), opts...)

			var reporter *status.Reporter
			if csvPath != "" {
				reporter = status.NewReporter(csvPath, queues)
			}

			return runMonitor(cmd.Context(), m, backend, queues, reporter, sleep, spec.Name)
		},
	}
	addSpecFlags(cmd)
	cmd.Flags().Int("sleep", 60, "Seconds between checks, both in the monitor loop and while waiting for workers")
	cmd.Flags().String("csv", "", "Append per-poll queue metrics to this CSV file")
	cmd.Flags().Bool("filter-jobs", false, "Count only this job's queues toward the pending-job total")
	return cmd
}

// runMonitor polls until the job goes idle. NoWorkersError and backend
// errors propagate; main distinguishes them for the exit message.
func runMonitor(ctx context.Context, m *monitor.Monitor, backend taskqueue.Backend, queues []string, reporter *status.Reporter, sleep time.Duration, jobName string) error {
	log.Infof("monitor: watching job %s on queues %v", jobName, queues)

	for {
		activeWork, err := m.CheckStatus(ctx)
		if err != nil {
			return err
		}

		if reporter != nil {
			statuses, err := backend.QueueStatuses(ctx, queues)
			if err != nil {
				log.Warningf("monitor: could not snapshot queues for the report: %v", err)
			} else if err := reporter.Append(statuses); err != nil {
				log.Warningf("monitor: could not append status report: %v", err)
			}
		}

		if !activeWork {
			log.Info("monitor: queues drained and no worker mid-task, all done")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print pending jobs and consumers per queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, backend, err := setup(cmd)
			if err != nil {
				return err
			}
			defer backend.Close()

			_, queues, err := loadSpecQueues(cmd)
			if err != nil {
				return err
			}

			statuses, err := backend.QueueStatuses(cmd.Context(), queues)
			if err != nil {
				return err
			}

			for _, name := range queues {
				qs := statuses[name]
				fmt.Printf("%s: %d jobs, %d consumers\n", name, qs.PendingJobs, qs.ConsumerCount)
			}

			if csvPath, _ := cmd.Flags().GetString("csv"); csvPath != "" {
				return status.NewReporter(csvPath, queues).Append(statuses)
			}
			return nil
		},
	}
	addSpecFlags(cmd)
	cmd.Flags().String("csv", "", "Also append the snapshot to this CSV file")
	return cmd
}

func newPurgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Drop all pending jobs from the job's queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, backend, err := setup(cmd)
			if err != nil {
				return err
			}
			defer backend.Close()

			_, queues, err := loadSpecQueues(cmd)
			if err != nil {
				return err
			}

			force, _ := cmd.Flags().GetBool("force")
			if !force && !confirm(fmt.Sprintf("Purge all tasks from %v?", queues)) {
				log.Info("purge cancelled")
				return nil
			}

			log.Infof("purging queues %v", queues)
			purged, err := backend.PurgeQueues(cmd.Context(), queues)
			if err != nil {
				return err
			}
			log.Infof("purged %d tasks", purged)
			return nil
		},
	}
	addSpecFlags(cmd)
	cmd.Flags().Bool("force", false, "Purge without asking for confirmation")
	return cmd
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func newQueryWorkersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query-workers",
		Short: "List connected workers and the queues they watch",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, backend, err := setup(cmd)
			if err != nil {
				return err
			}
			defer backend.Close()

			queues, _ := cmd.Flags().GetStringSlice("queues")
			names, _ := cmd.Flags().GetStringSlice("workers")
			pattern, _ := cmd.Flags().GetString("regex")

			log.Info("searching for workers...")
			_, byWorker, err := backend.ActiveQueues(cmd.Context())
			if err != nil {
				return err
			}
			ids, err := backend.WorkerIDs(cmd.Context())
			if err != nil {
				return err
			}

			matched, err := filterWorkers(ids, byWorker, queues, names, pattern)
			if err != nil {
				return err
			}
			if len(matched) == 0 {
				log.Warning("no workers matched")
				return nil
			}
			for _, id := range matched {
				fmt.Printf("%s: %v\n", id, byWorker[id])
			}
			return nil
		},
	}
	cmd.Flags().StringSlice("queues", nil, "Only workers watching one of these queues")
	cmd.Flags().StringSlice("workers", nil, "Only workers whose identifier contains one of these names")
	cmd.Flags().String("regex", "", "Only workers whose identifier matches this pattern")
	return cmd
}

// filterWorkers narrows worker identifiers by queue membership, name
// substring and regex; empty filters match everything.
func filterWorkers(ids []string, byWorker taskqueue.WorkerQueueMap, queues, names []string, pattern string) ([]string, error) {
	var re *regexp.Regexp
	if pattern != "" {
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid workers regex: %w", err)
		}
	}

	wantQueue := make(map[string]bool, len(queues))
	for _, q := range queues {
		wantQueue[q] = true
	}

	var matched []string
	for _, id := range ids {
		if len(queues) > 0 {
			found := false
			for _, q := range byWorker[id] {
				if wantQueue[q] {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		if len(names) > 0 {
			found := false
			for _, name := range names {
				if strings.Contains(id, name) {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		if re != nil && !re.MatchString(id) {
			continue
		}
		matched = append(matched, id)
	}
	return matched, nil
}

func newStopWorkersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop-workers",
		Short: "Broadcast a stop request to matching workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, backend, err := setup(cmd)
			if err != nil {
				return err
			}
			defer backend.Close()

			queues, _ := cmd.Flags().GetStringSlice("queues")
			names, _ := cmd.Flags().GetStringSlice("workers")
			pattern, _ := cmd.Flags().GetString("regex")

			log.Info("stopping workers...")
			return backend.StopWorkers(cmd.Context(), queues, names, pattern)
		},
	}
	cmd.Flags().StringSlice("queues", nil, "Only workers watching one of these queues")
	cmd.Flags().StringSlice("workers", nil, "Only workers with one of these names")
	cmd.Flags().String("regex", "", "Only workers whose identifier matches this pattern")
	return cmd
}
