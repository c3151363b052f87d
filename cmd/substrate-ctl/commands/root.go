// Package commands implements the substrate-ctl operator CLI: control-plane
// operations and data-plane smoke I/O against a Substrate backend.
//
// The CLI drives an embedded backend over the in-process loopback fabric,
// which makes it a self-contained exerciser for the dataplane; deployments
// with RDMA hardware wire their fabric through the same client library.
package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/substratefs/substrate/internal/backend"
	"github.com/substratefs/substrate/internal/cache/cuckoo"
	"github.com/substratefs/substrate/internal/fileservice"
	"github.com/substratefs/substrate/internal/hostbridge"
	"github.com/substratefs/substrate/internal/transport/rdma"
)

var (
	flagAddr     string
	flagCapacity uint32
	flagMetaDir  string
	flagVerbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "substrate-ctl",
	Short: "Operate a Substrate storage backend",
	Long: `substrate-ctl runs control-plane operations (directories, files,
attributes) and data-plane smoke I/O against a Substrate backend embedded in
the process.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
		if flagVerbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		}
	},
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagAddr, "addr", "127.0.0.1:4420", "Backend CM address")
	rootCmd.PersistentFlags().Uint32Var(&flagCapacity, "capacity", 1<<20, "Per-ring byte capacity (power of two)")
	rootCmd.PersistentFlags().StringVar(&flagMetaDir, "meta-dir", "", "Durable metadata directory for the embedded backend")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Verbose logging")

	rootCmd.AddCommand(mkdirCmd, rmdirCmd, createCmd, rmCmd, resizeCmd,
		statCmd, attrCmd, dfCmd, mvCmd, putCmd, getCmd, smokeCmd)
}

// session is one embedded backend plus a connected client.
type session struct {
	srv    *backend.Server
	fs     *fileservice.Memory
	Bridge *hostbridge.Bridge
	Buffer *hostbridge.DMABuffer
}

// dial starts the embedded backend and connects a control session; withData
// also attaches a DMA buffer.
func dial(ctx context.Context, withData bool) (*session, error) {
	fabric := rdma.NewSimulated()
	cache, err := cuckoo.New(1 << 12)
	if err != nil {
		return nil, err
	}
	fs, err := fileservice.NewMemory(fileservice.Config{
		CapacityBytes: 4 << 30,
		Workers:       2,
		MetaDir:       flagMetaDir,
	}, cache)
	if err != nil {
		return nil, err
	}

	cfg := backend.DefaultConfig()
	cfg.ListenAddr = flagAddr
	srv, err := backend.New(cfg, fabric, fs, cache)
	if err != nil {
		fs.Close()
		return nil, err
	}
	if err := srv.Start(); err != nil {
		fs.Close()
		return nil, err
	}

	s := &session{srv: srv, fs: fs}
	if s.Bridge, err = hostbridge.Connect(ctx, fabric, flagAddr); err != nil {
		s.Close()
		return nil, err
	}
	if withData {
		if s.Buffer, err = hostbridge.Attach(ctx, fabric, flagAddr,
			s.Bridge.ClientID, flagCapacity, cfg.ResponseBatching); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *session) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.Buffer != nil {
		_ = s.Buffer.Release(ctx)
	}
	if s.Bridge != nil {
		_ = s.Bridge.Close(ctx)
	}
	s.srv.Stop()
	<-s.srv.Done()
	_ = s.fs.Close()
}

func withSession(withData bool, fn func(ctx context.Context, s *session) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s, err := dial(ctx, withData)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	defer s.Close()
	if err := fn(ctx, s); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}
