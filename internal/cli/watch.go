package cli

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"shmutex/internal/config"
	"shmutex/internal/runtime/supervisor"
	"shmutex/internal/sdnotify"
	"shmutex/internal/status"
	"shmutex/internal/storage"
	"shmutex/internal/workload"
	logx "shmutex/pkg/logx"
)

func newWatchCmd(e *env) *cobra.Command {
	var (
		cfgPath     string
		stopTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Serve a workload continuously, restarting it when the config file changes",
		Long: `Runs the workload with its scheduled arrivals until interrupted. The config
file is watched; every valid change drains the current scheduler and starts a
fresh one. Sends READY/RELOADING/STOPPING to systemd when run as a notify unit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m, cfg, err := e.load(ctx, cfgPath)
			if err != nil {
				return err
			}
			e.applyLogging(cfg)

			st, err := openStore(cfg, e.log)
			if err != nil {
				return fmt.Errorf("open storage: %w", err)
			}
			if st != nil {
				defer st.Close()
			}

			srv := status.New(e.log)
			srv.SetStore(st)
			srv.Apply(ctx, cfg.Status)
			defer srv.Stop(context.Background())

			sup := supervisor.New(ctx,
				supervisor.WithLogger(e.log.With(logx.String("comp", "supervisor"))),
				supervisor.WithCancelOnError(true),
			)
			srv.SetSupervisor(sup)

			notifier := &sdnotify.Notifier{Log: e.log}
			w := &watcher{env: e, m: m, status: srv, store: st, notifier: notifier}

			sub := m.Subscribe(1)
			defer m.Unsubscribe(sub)

			sup.Go("config.watch", m.Watch)
			sup.Go("sdnotify.watchdog", notifier.Watchdog)
			sup.GoRestart("workload", func(ctx context.Context) error {
				return w.serve(ctx, sub)
			}, supervisor.WithPublishFirstError(true), supervisor.WithMaxRestarts(5))

			notifier.Ready()
			e.log.Info("watching", logx.String("config", m.Path()), logx.String("status_addr", srv.Addr()))

			<-sup.Context().Done()
			notifier.Stopping()
			e.log.Info("stopping")

			sctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			if err := sup.Stop(sctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	addConfigFlag(cmd, &cfgPath)
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 45*time.Second, "How long to wait for in-flight jobs on shutdown")
	return cmd
}

// watcher hosts one workload runner at a time and swaps it on config changes.
type watcher struct {
	env      *env
	m        *config.Manager
	status   *status.Server
	store    storage.Store
	notifier *sdnotify.Notifier
}

type served struct {
	rep workload.Report
	err error
}

func (w *watcher) serve(ctx context.Context, updates <-chan *config.Config) error {
	log := w.env.log
	cfg := w.m.Get()
	for {
		opts := []workload.Option{workload.WithLogger(log)}
		if w.store != nil {
			opts = append(opts, workload.WithStore(w.store))
		}
		r, err := workload.NewRunner(cfg.Workload, opts...)
		if err != nil {
			return err
		}
		w.status.SetScheduler(r.Scheduler())
		w.notifier.Status("serving %s (%d jobs)", r.Name(), len(r.Definitions()))

		rctx, cancel := context.WithCancel(ctx)
		done := make(chan served, 1)
		go func() {
			rep, err := r.Serve(rctx)
			done <- served{rep, err}
		}()

		var next *config.Config
		select {
		case <-ctx.Done():
		case next = <-updates:
		}
		if next != nil {
			w.notifier.Reloading()
		}
		cancel()
		res := <-done
		if err := w.check(res); err != nil {
			return err
		}
		if next == nil {
			return nil
		}

		sections, attrs, jobs := config.SummarizeChange(cfg, next)
		attrs = append(attrs, logx.String("sections", strings.Join(sections, ",")), logx.String("jobs_changed", strings.Join(jobs, ",")))
		log.Info("config changed; restarting workload", attrs...)
		if !reflect.DeepEqual(cfg.Storage, next.Storage) {
			log.Warn("storage changes take effect after a restart")
		}
		w.env.applyLogging(next)
		w.status.Apply(ctx, next.Status)
		cfg = next
		w.notifier.Ready()
	}
}

func (w *watcher) check(res served) error {
	if res.err != nil {
		w.env.log.Warn("workload drain incomplete", logx.Err(res.err))
	}
	if res.rep.Violations > 0 {
		return fmt.Errorf("mutual exclusion violated %d times", res.rep.Violations)
	}
	return nil
}
