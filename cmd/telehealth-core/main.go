package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"telehealth_core/internal/auth"
	"telehealth_core/internal/broker"
	"telehealth_core/internal/chat"
	"telehealth_core/internal/config"
	"telehealth_core/internal/domain"
	"telehealth_core/internal/handler"
	"telehealth_core/internal/logging"
	"telehealth_core/internal/outbox"
	"telehealth_core/internal/presence"
	"telehealth_core/internal/repository"
	"telehealth_core/internal/rooms"
	"telehealth_core/internal/ws"
)

// store is everything the realtime core reads and writes.
type store interface {
	chat.Store
	auth.AccountDirectory
}

type publisher interface {
	outbox.Publisher
	io.Closer
}

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "telehealth-core",
		Short: "Realtime presence and session routing for telehealth consultations",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Directory containing config.yaml")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(tokenCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	var demoData bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the realtime server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(*configPath, demoData)
		},
	}
	cmd.Flags().BoolVar(&demoData, "demo-data", false, "Seed the memory store with a doctor, a patient and one instant appointment")
	return cmd
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Database.Driver != config.DriverPostgres {
				return fmt.Errorf("migrate requires database.driver %s", config.DriverPostgres)
			}

			ctx := context.Background()
			db, err := openDB(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := repository.EnsureSchema(ctx, db); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Println("Schema is up to date.")
			return nil
		},
	}
}

func tokenCmd(configPath *string) *cobra.Command {
	var (
		userID int64
		role   string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed credential for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID <= 0 {
				return errors.New("--user is required")
			}
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			issuer := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
			token, err := issuer.Issue(userID, domain.Role(role))
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "Account id placed in the subject claim")
	cmd.Flags().StringVar(&role, "role", string(domain.RolePatient), "Role claim (doctor or patient)")
	return cmd
}

func openDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func runServer(configPath string, demoData bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	nodeID := cfg.Server.NodeID
	if nodeID == "" {
		nodeID = uuid.New().String()
	}
	logger := logging.Init(cfg.Log, nodeID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence
	var (
		st store
		db *sql.DB
	)
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		db, err = openDB(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()
		st = repository.NewPostgresStore(db, repository.NewPostgresOutboxRepository(db))
		logger.Info().Msg("connected to database")
	case config.DriverMemory:
		mem := repository.NewMemoryStore()
		if demoData {
			seedDemo(mem)
		}
		st = mem
		logger.Warn().Bool("demo_data", demoData).Msg("using in-memory store, state is lost on exit")
	}

	// Presence
	var (
		tracker ws.PresenceTracker
		online  handler.OnlineChecker
	)
	switch cfg.Presence.Backend {
	case config.PresencePostgres:
		repo := presence.NewPostgresRepository(db)
		if n, err := repo.ClearNode(ctx, nodeID); err != nil {
			logger.Warn().Err(err).Msg("failed to clear stale sessions")
		} else if n > 0 {
			logger.Info().Int64("sessions", n).Msg("cleared stale sessions")
		}
		defer func() {
			if _, err := repo.ClearNode(context.Background(), nodeID); err != nil {
				logger.Warn().Err(err).Msg("failed to clear sessions on shutdown")
			}
		}()
		tracker, online = repo, repo
	case config.PresenceRedis:
		repo, err := presence.NewRedisRepository(ctx, presence.RedisOptions{
			Address:           cfg.Presence.Redis.Address,
			Password:          cfg.Presence.Redis.Password,
			DB:                cfg.Presence.Redis.DB,
			Prefix:            cfg.Presence.KeyPrefix,
			KeyTTL:            cfg.Presence.KeyTTL,
			HeartbeatInterval: cfg.Presence.HeartbeatInterval,
		})
		if err != nil {
			return err
		}
		defer repo.Close()
		repo.StartHeartbeat(ctx)
		tracker, online = repo, repo
	}

	// Realtime core
	router, err := rooms.NewRouter(st, cfg.ChatScheme())
	if err != nil {
		return err
	}
	verifier := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, st)
	hub := ws.NewHub(verifier, router, tracker, nodeID)
	chatSvc := chat.NewService(st, router, hub)

	wsHandler := handler.NewWSHandler(hub, chatSvc, router, cfg.WebSocket)
	httpHandler := handler.NewHTTPHandler(hub, chatSvc, verifier, online, wsHandler)
	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           httpHandler.Router(logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Outbox relay
	var relay *outbox.Worker
	if cfg.Broker.Enabled {
		pub, err := newPublisher(cfg.Broker)
		if err != nil {
			return err
		}
		defer pub.Close()
		relay = outbox.NewWorker(repository.NewPostgresOutboxRepository(db), pub, cfg.Outbox.BatchSize)
		logger.Info().Str("mode", cfg.Broker.Mode).Msg("connected to broker")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	if relay != nil {
		g.Go(func() error {
			return relay.Start(gctx, cfg.Outbox.Interval)
		})
	}

	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Str("chat_scheme", string(router.Scheme())).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newPublisher(cfg config.BrokerConfig) (publisher, error) {
	switch cfg.Mode {
	case config.BrokerModeStream:
		return broker.NewStreamPublisher(cfg.StreamURI, cfg.StreamName)
	default:
		return broker.NewRabbitMQClient(cfg.URL, cfg.Exchange)
	}
}

func seedDemo(s *repository.MemoryStore) {
	s.AddUser(domain.User{ID: 1, Email: "doctor@example.com", Role: domain.RoleDoctor, IsActive: true})
	s.AddDoctor(domain.Doctor{ID: 1, UserID: 1, Name: "Dr. Demo", Specialization: "General Practice", IsApproved: true, InstantAvailable: true})
	s.AddUser(domain.User{ID: 2, Email: "patient@example.com", Role: domain.RolePatient, IsActive: true})
	s.AddPatient(domain.Patient{ID: 1, UserID: 2, Name: "Pat Demo", Age: 30})
	now := time.Now().UTC()
	s.AddAppointment(domain.Appointment{
		ID:        1,
		PatientID: 1,
		DoctorID:  1,
		Type:      domain.AppointmentInstant,
		Status:    domain.StatusPending,
		Symptoms:  "headache",
		StartTime: now,
		EndTime:   now.Add(30 * time.Minute),
	})
}
