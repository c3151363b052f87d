// Package server composes the Substrate daemon: the metadata cache, the file
// service, the backend polling loop, and the admin HTTP listener serving
// health and metrics.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/substratefs/substrate/internal/backend"
	"github.com/substratefs/substrate/internal/cache/cuckoo"
	"github.com/substratefs/substrate/internal/config"
	"github.com/substratefs/substrate/internal/fileservice"
	"github.com/substratefs/substrate/internal/metrics"
	"github.com/substratefs/substrate/internal/proto"
	"github.com/substratefs/substrate/internal/transport/rdma"
)

// Version is the current version of Substrate.
const Version = "0.1.0"

// Server is the daemon.
type Server struct {
	cfg     *config.Config
	cache   *cuckoo.Table
	fs      *fileservice.Memory
	backend *backend.Server
	admin   *http.Server
}

// New builds the daemon from its configuration. The fabric defaults to the
// in-process loopback when nil; hardware deployments pass their own backend.
func New(cfg *config.Config, fabric rdma.Backend) (*Server, error) {
	if fabric == nil {
		fabric = rdma.NewSimulated()
	}

	cache, err := cuckoo.New(cfg.Cache.BucketCount)
	if err != nil {
		return nil, err
	}
	if cfg.Cache.PreloadPath != "" {
		f, err := os.Open(cfg.Cache.PreloadPath)
		if err != nil {
			return nil, fmt.Errorf("opening cache preload: %w", err)
		}
		n, err := cache.Preload(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("preloading cache: %w", err)
		}
		metrics.CacheItems.Set(float64(cache.Len()))
		log.Info().Int("items", n).Str("path", cfg.Cache.PreloadPath).
			Msg("Cache table populated from preload file")
	}

	fs, err := fileservice.NewMemory(fileservice.Config{
		CapacityBytes: cfg.FileService.CapacityBytes,
		Workers:       cfg.FileService.Workers,
		MetaDir:       cfg.FileService.MetaDir,
	}, cache)
	if err != nil {
		return nil, err
	}

	be, err := backend.New(cfg.Backend, fabric, fs, cache)
	if err != nil {
		fs.Close()
		return nil, err
	}

	s := &Server{cfg: cfg, cache: cache, fs: fs, backend: be}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	s.admin = &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s, nil
}

// Backend returns the dataplane server, for embedded use.
func (s *Server) Backend() *backend.Server { return s.backend }

// Start runs the daemon until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.backend.Start(); err != nil {
		return err
	}

	if s.cfg.Bootstrap.Enabled {
		if err := s.bootstrapFile(); err != nil {
			log.Error().Err(err).Msg("Bootstrap file creation failed")
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", s.cfg.AdminAddr).Msg("Admin listener starting")
		if err := s.admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		s.backend.Stop()
		<-s.backend.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.admin.Shutdown(shutdownCtx)
		return s.fs.Close()
	})

	return g.Wait()
}

// bootstrapFile provisions the well-known default file through the regular
// file-service path.
func (s *Server) bootstrapFile() error {
	create := fileservice.NewControlRequest(proto.MsgF2BReqCreateFile,
		&proto.ReqCreateFile{
			FileID:   s.cfg.Bootstrap.FileID,
			DirID:    proto.RootDirID,
			FileName: s.cfg.Bootstrap.Name,
		},
		&proto.AckCreateFile{})
	s.fs.SubmitControlPlaneRequest(create)
	if code := awaitControl(create); code != proto.ErrSuccess && code != proto.ErrAlreadyExists {
		return fmt.Errorf("creating bootstrap file: %s", code)
	}

	resize := fileservice.NewControlRequest(proto.MsgF2BReqChangeFileSize,
		&proto.ReqChangeFileSize{
			FileID:  s.cfg.Bootstrap.FileID,
			NewSize: s.cfg.Bootstrap.Size,
		},
		&proto.AckChangeFileSize{})
	s.fs.SubmitControlPlaneRequest(resize)
	if code := awaitControl(resize); code != proto.ErrSuccess {
		return fmt.Errorf("sizing bootstrap file: %s", code)
	}

	log.Info().Uint32("file", s.cfg.Bootstrap.FileID).
		Uint64("size", s.cfg.Bootstrap.Size).
		Msg("Bootstrap file ready")
	return nil
}

func awaitControl(req *fileservice.ControlRequest) proto.ErrorCode {
	for req.Pending() {
		time.Sleep(time.Millisecond)
	}
	return req.Result()
}
