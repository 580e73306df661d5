// Command board-hub serves the collaborator API of the live board engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"prism-board/domain"
	"prism-board/hub"
	"prism-board/storage"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "board-hub",
		Short:         "Board hub serves board state, chat threads and attachments",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newSeedCmd(), newTokenCmd())
	return root
}

type boardStore interface {
	hub.BoardStore
	PutBoard(ctx context.Context, b domain.Board) error
}

func newServeCmd() *cobra.Command {
	v := newViper()
	var seedFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return bindFlags(v, cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, seedFile)
		},
	}
	flags := cmd.Flags()
	flags.String("port", "8080", "listen port")
	flags.String("upload-dir", "uploads", "directory for attachment content")
	flags.Bool("debug", false, "enable debug logging")
	flags.StringSlice("allowed-origins", nil, "CORS origins (default any)")
	flags.StringVar(&seedFile, "seed", "", "board JSON file loaded at startup")
	return cmd
}

func newSeedCmd() *cobra.Command {
	v := newViper()
	cmd := &cobra.Command{
		Use:   "seed <board.json>...",
		Short: "Create the tables and store boards from JSON files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			connStr := v.GetString(cfgStorageConn)
			if connStr == "" {
				return errors.New("missing STORAGE_CONNECTION_STRING")
			}
			tables, err := storage.NewTables(connStr, v.GetString(cfgTasksTable), v.GetString(cfgColumnsTable))
			if err != nil {
				return fmt.Errorf("storage: %w", err)
			}
			ctx := cmd.Context()
			if err := tables.EnsureTables(ctx); err != nil {
				return fmt.Errorf("create tables: %w", err)
			}
			for _, path := range args {
				if err := seedBoard(ctx, tables, path); err != nil {
					return err
				}
			}
			log.Info("seed complete")
			return nil
		},
	}
	return cmd
}

func seedBoard(ctx context.Context, store boardStore, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var b domain.Board
	if err := sonic.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	domain.RenumberColumns(b.Columns)
	domain.RenumberTasks(b.Tasks)
	if err := store.PutBoard(ctx, b); err != nil {
		return fmt.Errorf("store board %s: %w", b.ID, err)
	}
	log.WithFields(log.Fields{"board": b.ID, "rows": len(b.Tasks), "columns": len(b.Columns)}).Info("board seeded")
	return nil
}

func serve(ctx context.Context, cfg config, seedFile string) error {
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.StandardLogger()

	var boards boardStore
	if cfg.StorageConn != "" {
		tables, err := storage.NewTables(cfg.StorageConn, cfg.TasksTable, cfg.ColumnsTable)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		boards = tables
	} else {
		logger.Warn("STORAGE_CONNECTION_STRING not set; boards are kept in memory")
		boards = storage.NewMemory()
	}
	if seedFile != "" {
		if err := seedBoard(ctx, boards, seedFile); err != nil {
			return err
		}
	}

	redisOpts, err := redisOptions(cfg.RedisConn)
	if err != nil {
		return err
	}
	rc := redis.NewClient(redisOpts)
	defer rc.Close()

	files, err := storage.NewFiles(cfg.UploadDir, "/files")
	if err != nil {
		return err
	}

	auth, err := newAuth(cfg)
	if err != nil {
		return err
	}

	srv := hub.NewServer(boards,
		storage.NewThreads(rc, cfg.ThreadLogSize),
		storage.NewRedisSeqGuard(rc, int(cfg.SeqTTL/time.Second)),
		files,
		auth,
		hub.WithLogger(logger),
		hub.WithUploadMaxBytes(cfg.UploadMax),
		hub.WithAllowedOrigins(cfg.AllowOrigins...),
	)
	e := echo.New()
	e.HideBanner = true
	srv.Register(e)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	errCh := make(chan error, 1)
	go func() {
		logger.WithField("port", cfg.Port).Info("board hub listening")
		errCh <- e.Start(":" + cfg.Port)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("board hub shutting down")
	return e.Shutdown(shutdownCtx)
}

func newAuth(cfg config) (*hub.Auth, error) {
	if cfg.AuthTestMode {
		return hub.NewAuth(nil, cfg.AuthAudience, "", []byte(cfg.TestSecret), 0), nil
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.AuthDomain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{RefreshInterval: time.Hour, RefreshUnknownKID: true})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return hub.NewAuth(jwks, cfg.AuthAudience, "https://"+cfg.AuthDomain+"/", nil, cfg.JWKSCacheTTL), nil
}
