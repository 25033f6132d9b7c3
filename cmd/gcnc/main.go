package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mastercactapus/gcnc/config"
	"github.com/mastercactapus/gcnc/jobstore"
	"github.com/mastercactapus/gcnc/machine"
	"github.com/mastercactapus/gcnc/machine/grbl"
	"github.com/mastercactapus/gcnc/optimize"
	"github.com/mastercactapus/gcnc/spjs"
	"github.com/mastercactapus/gcnc/transport"
	"github.com/mastercactapus/gcnc/validate"
)

func main() {
	fs := config.Flags()
	err := fs.Parse(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	path, _ := fs.GetString("config")
	cfg, err := config.Load(path, fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	log, err := newLogger(cfg.Log.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = run(ctx, cfg, log)
	if err != nil {
		log.Fatal("gcnc stopped", zap.Error(err))
	}
	log.Info("gcnc stopped")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	var opener transport.Opener = transport.SerialOpener{}
	if cfg.Serial.SPJSURL != "" {
		opener = spjs.NewOpener(cfg.Serial.SPJSURL, log.Named("spjs"))
	}

	ctrl := grbl.NewController(opener, cfg.Controller(), log.Named("grbl"))
	ctrl.Subscribe(grbl.LogSubscriber{Logger: log.Named("events")})

	target, err := cfg.TargetVersion()
	if err != nil {
		return err
	}
	val := validate.New(target)
	val.SetLimits(cfg.Validate.Limits)

	opt, err := optimize.New(cfg.Optimize)
	if err != nil {
		return err
	}

	err = os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755)
	if err != nil {
		return err
	}
	store, err := jobstore.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.Database.Retention > 0 {
		n, err := store.DeleteFinished(ctx, time.Now().Add(-cfg.Database.Retention))
		if err != nil {
			return err
		}
		log.Info("pruned job history", zap.Int64("deleted", n), zap.Duration("retention", cfg.Database.Retention))
	}

	m := machine.New(ctrl, val, opt, log.Named("jobs"))
	m.SetRecorder(store)

	unfinished, err := store.Unfinished(ctx)
	if err != nil {
		return err
	}
	for _, j := range unfinished {
		err = m.Restore(j)
		if err != nil {
			log.Warn("restore job", zap.String("job", j.ID), zap.Error(err))
			continue
		}
		log.Info("restored job", zap.String("job", j.ID), zap.String("name", j.Name), zap.Int("line", j.CurrentLine))
	}

	a := newAPI(ctrl, m, val, opt, cfg.Server.DataDir, cfg.Serial.Port, log.Named("api"))
	a.autoTarget = cfg.AutoTarget()
	a.history = store
	ctrl.Subscribe(a)

	poller := grbl.NewPoller(ctrl, cfg.Grbl.PollInterval, log.Named("poller"))
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: a}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.Run(ctx) })
	g.Go(func() error {
		a.forward(ctx)
		return nil
	})
	g.Go(func() error {
		poller.Start()
		if cfg.Serial.Port == "" {
			return nil
		}
		// the pendant can connect later, so a failure here is not fatal
		err := ctrl.Connect(ctx, cfg.Serial.Port)
		if err != nil {
			log.Warn("connect", zap.String("port", cfg.Serial.Port), zap.Error(err))
			return nil
		}
		a.detectVersion(ctx)
		return nil
	})
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Server.Addr))
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		poller.Stop()

		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		a.Close()
		err := srv.Shutdown(sctx)
		if err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
		return ctrl.Disconnect()
	})

	return g.Wait()
}
