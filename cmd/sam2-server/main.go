package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/getcharzp/sam2-studio"
	"github.com/getcharzp/sam2-studio/detect"
	"github.com/getcharzp/sam2-studio/internal/cache"
	"github.com/getcharzp/sam2-studio/internal/config"
	"github.com/getcharzp/sam2-studio/internal/logger"
	"github.com/getcharzp/sam2-studio/internal/metrics"
	"github.com/getcharzp/sam2-studio/internal/server"
	"github.com/getcharzp/sam2-studio/internal/titler"
	"github.com/getcharzp/sam2-studio/pipeline"
	"github.com/getcharzp/sam2-studio/sam2"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var Version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()

	cfg := config.New(*configPath)

	if err := logger.Init(cfg.Server.Mode); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Logger

	log.Info("starting sam2 server",
		zap.String("version", Version),
		zap.String("config", *configPath),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 模型在后台加载，加载完成前的交互返回 503
	var (
		engineMu sync.Mutex
		engine   *sam2.Engine
	)
	ready := pipeline.Load(func() (pipeline.Engine, error) {
		mc, err := cfg.Model.SAM2()
		if err != nil {
			return nil, err
		}
		e, err := sam2.NewEngine(mc)
		if err != nil {
			return nil, err
		}
		engineMu.Lock()
		engine = e
		engineMu.Unlock()
		return e, nil
	})
	go func() {
		<-ready.Done()
		if _, err := ready.Engine(); err != nil {
			log.Error("model load failed", zap.Error(err))
			return
		}
		log.Info("model loaded", zap.Duration("cost", ready.LoadTime()))
	}()
	defer func() {
		engineMu.Lock()
		defer engineMu.Unlock()
		if engine != nil {
			_ = engine.Destroy()
		}
	}()

	var c server.Cache
	if cfg.Redis.Enabled {
		r := cache.NewRedis(&cfg.Redis)
		if err := r.Ping(ctx); err != nil {
			log.Warn("redis connection failed, cache disabled", zap.Error(err))
			_ = r.Close()
		} else {
			log.Info("redis connected successfully")
			c = r
			defer r.Close()
		}
	}

	var t pipeline.Titler
	if cfg.Titler.Enabled {
		o, err := titler.New(cfg.Titler.URL, cfg.Titler.Model)
		if err != nil {
			log.Warn("titler disabled", zap.Error(err))
		} else {
			t = o
		}
	}

	var d server.Detector
	if cfg.Detector.Enabled {
		dc, err := cfg.Detect()
		if err == nil {
			var det *detect.Detector
			det, err = detect.NewDetector(dc)
			if err == nil {
				d = det
				defer det.Destroy()
			}
		}
		if err != nil {
			log.Warn("proposal detection disabled", zap.Error(err))
		}
	}

	var drawer *vision.TextDrawer
	var err error
	if cfg.Render.FontPath != "" {
		drawer, err = vision.NewTextDrawer(cfg.Render.FontPath)
	} else {
		drawer, err = vision.NewDefaultTextDrawer()
	}
	if err != nil {
		log.Warn("title drawing disabled", zap.Error(err))
		drawer = nil
	} else {
		defer drawer.Close()
	}

	gin.SetMode(cfg.Server.Mode)

	srv := server.New(server.Params{
		Config:   cfg,
		Ready:    ready,
		Cache:    c,
		Metrics:  metrics.New(),
		Drawer:   drawer,
		Detector: d,
		Titler:   t,
		Logger:   log.Named("server"),
	})
	defer srv.Close()

	httpServer := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info("server starting", zap.String("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", zap.Error(err))
	}
}
