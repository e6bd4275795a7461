package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/neurospicy/fibi/internal/events"
	"github.com/neurospicy/fibi/internal/genai"
	"github.com/neurospicy/fibi/internal/interaction"
	"github.com/neurospicy/fibi/internal/lockfile"
	"github.com/neurospicy/fibi/internal/messaging"
	"github.com/neurospicy/fibi/internal/models"
	"github.com/neurospicy/fibi/internal/recovery"
	"github.com/neurospicy/fibi/internal/routines"
	"github.com/neurospicy/fibi/internal/scheduler"
	"github.com/neurospicy/fibi/internal/store"
	"github.com/neurospicy/fibi/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for Fibi state data
	DefaultStateDir = "/var/lib/fibi"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "fibi.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := run(flags); err != nil {
		slog.Error("Fibi failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Fibi exited successfully")
}

// Config holds environment configuration
type Config struct {
	SignalAPIURL string
	SignalNumber string
	OpenAIKey    string
	DatabaseURL  string
	StateDir     string
	TemplatesDir string
}

// Flags holds command line flag values
type Flags struct {
	signalAPIURL *string
	signalNumber *string
	openaiKey    *string
	dbDSN        *string
	stateDir     *string
	templatesDir *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		SignalAPIURL: os.Getenv("SIGNAL_API_URL"),
		SignalNumber: os.Getenv("SIGNAL_NUMBER"),
		OpenAIKey:    os.Getenv("OPENAI_API_KEY"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		StateDir:     os.Getenv("FIBI_STATE_DIR"),
		TemplatesDir: os.Getenv("FIBI_TEMPLATES_DIR"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No FIBI_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"SIGNAL_API_URL_SET", config.SignalAPIURL != "",
		"SIGNAL_NUMBER_SET", config.SignalNumber != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"FIBI_STATE_DIR", config.StateDir,
		"FIBI_TEMPLATES_DIR", config.TemplatesDir)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		signalAPIURL: flag.String("signal-api-url", config.SignalAPIURL, "signal-cli REST API base URL (overrides $SIGNAL_API_URL)"),
		signalNumber: flag.String("signal-number", config.SignalNumber, "registered Signal account number (overrides $SIGNAL_NUMBER)"),
		openaiKey:    flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		dbDSN:        flag.String("db-dsn", config.DatabaseURL, "database DSN, SQLite path or postgres:// URL (overrides $DATABASE_URL)"),
		stateDir:     flag.String("state-dir", config.StateDir, "state directory for Fibi data (overrides $FIBI_STATE_DIR)"),
		templatesDir: flag.String("templates-dir", config.TemplatesDir, "directory of routine template YAML files (overrides $FIBI_TEMPLATES_DIR)"),
	}
	flag.Parse()

	slog.Debug("flags parsed",
		"signalAPIURL", *flags.signalAPIURL,
		"signalNumber_set", *flags.signalNumber != "",
		"openaiKeySet", *flags.openaiKey != "",
		"dbDSN_set", *flags.dbDSN != "",
		"stateDir", *flags.stateDir,
		"templatesDir", *flags.templatesDir)
	return flags
}

func run(flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !strings.HasPrefix(*flags.dbDSN, "postgres://") && !strings.HasPrefix(*flags.dbDSN, "postgresql://") {
		if err := os.MkdirAll(*flags.stateDir, 0755); err != nil {
			return err
		}
	}
	lock, err := lockfile.Acquire(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.NewStore(*flags.dbDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	var llm genai.ClientInterface
	if *flags.openaiKey != "" {
		llm = genai.NewClientWithKey(*flags.openaiKey)
	} else {
		llm, err = genai.NewClient()
		if err != nil {
			return err
		}
	}

	bus := events.NewBus()
	sched := scheduler.NewCronScheduler()
	defer sched.Stop()

	engine := routines.NewEngine(st, st, st, st, st, sched, bus)
	if *flags.templatesDir != "" {
		count, err := routines.LoadTemplateDir(ctx, *flags.templatesDir, st)
		if err != nil {
			return err
		}
		slog.Info("Routine templates loaded", "dir", *flags.templatesDir, "count", count)
	}

	registry := interaction.NewIntentRegistry()
	interaction.RegisterDomainIntents(registry)
	classifier := interaction.NewClassifier(llm, registry)
	subtasks := interaction.NewSubtaskRegistry(interaction.DefaultContributors()...)
	refiner := interaction.NewGoalRefiner(llm, subtasks,
		interaction.NewReminderGoalDeterminator(llm),
		interaction.SimpleGoalDeterminator{},
	)
	achiever := interaction.NewGoalAchiever(llm,
		interaction.NewSetTimerHandler(llm, st, st, bus),
		interaction.NewUpdateTimerHandler(llm, st, st, bus),
		interaction.NewRemoveTimerHandler(llm, st, st, bus),
		interaction.NewListTimersHandler(st),
		interaction.NewSetReminderHandler(llm, st, st, bus),
		interaction.NewUpdateReminderHandler(llm, st, st, bus),
		interaction.NewRemoveReminderHandler(llm, st, st, bus),
		interaction.NewListRemindersHandler(st),
		interaction.NewSetAppointmentReminderHandler(llm, st, st, bus),
		interaction.NewUpdateAppointmentReminderHandler(llm, st, st, bus),
		interaction.NewRemoveAppointmentReminderHandler(llm, st, st, bus),
		interaction.NewListAppointmentRemindersHandler(st),
		interaction.NewAddTaskHandler(llm, st, st, bus),
		interaction.NewCompleteTaskHandler(llm, st, st, bus),
		interaction.NewUpdateTaskHandler(llm, st, st, bus),
		interaction.NewRemoveTaskHandler(llm, st, st, bus),
		interaction.NewListTasksHandler(st),
		interaction.NewCleanupTasksHandler(st, bus),
		interaction.NewRegisterCalendarHandler(llm, st, st, bus),
		interaction.NewListAppointmentsHandler(st, st),
		interaction.NewSetTimezoneHandler(llm, st, bus),
		interaction.NewSelectRoutineHandler(llm, st),
		interaction.NewSetupRoutineHandler(llm, st, engine),
		interaction.NewAnswerQuestionHandler(engine),
		interaction.NewStopRoutineTodayHandler(llm, st, engine),
	)
	orchestrator := interaction.NewOrchestrator(llm, classifier, refiner, achiever, st, st, bus)

	notifications := interaction.NewNotificationScheduler(sched, st, st, st, st, st, engine, bus)
	notifications.Register(bus)
	calendarSync := interaction.NewCalendarSync(st, st, nil, sched, bus)
	if err := calendarSync.Register(bus); err != nil {
		return err
	}

	if err := notifications.Resume(ctx); err != nil {
		return err
	}
	if err := engine.Resume(ctx); err != nil {
		return err
	}

	svc, err := messaging.NewSignalService(
		messaging.WithAPIURL(*flags.signalAPIURL),
		messaging.WithNumber(*flags.signalNumber),
	)
	if err != nil {
		return err
	}
	registerOutbound(bus, svc, st)
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Stop()

	typing := util.ParseBoolEnv("FIBI_TYPING_INDICATOR", true)

	slog.Info("Fibi is up")
	consumeInbound(ctx, svc, st, orchestrator, typing)
	return nil
}

// consumeInbound feeds received messages into the orchestrator, creating a
// friendship ledger entry on first contact.
func consumeInbound(ctx context.Context, svc messaging.Service, st store.Store, orchestrator *interaction.Orchestrator, typing bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-svc.Messages():
			if !ok {
				return
			}
			friend, err := friendForNumber(ctx, st, in.Number)
			if err != nil {
				slog.Error("Resolving friendship failed", "number", in.Number, "error", err)
				continue
			}
			if typing {
				if err := svc.SendTyping(ctx, in.Number); err != nil {
					slog.Debug("Typing indicator failed", "error", err)
				}
			}
			recovery.Go("message handling", func() {
				orchestrator.OnMessage(ctx, friend.ID, in.Message)
			})
		}
	}
}

func friendForNumber(ctx context.Context, st store.Store, number string) (models.Friend, error) {
	friend, err := st.FriendByNumber(ctx, number)
	if err == nil {
		return friend, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return models.Friend{}, err
	}
	friend = models.Friend{
		ID:        models.FriendshipID(uuid.NewString()),
		Number:    number,
		Timezone:  "",
		CreatedAt: time.Now(),
	}
	if err := st.SaveFriend(ctx, friend); err != nil {
		return models.Friend{}, err
	}
	slog.Info("New friendship", "friendship_id", friend.ID)
	return friend, nil
}

// registerOutbound delivers SendMessageRequest events through the gateway.
func registerOutbound(bus *events.Bus, svc messaging.Service, st store.Store) {
	bus.Subscribe(events.KindSendMessageRequest, func(ev events.Event) {
		e, ok := ev.(events.SendMessageRequest)
		if !ok {
			return
		}
		friend, err := st.GetFriend(context.Background(), e.FriendshipID)
		if err != nil {
			slog.Error("Outbound message for unknown friendship", "friendship_id", e.FriendshipID, "error", err)
			return
		}
		if err := svc.SendMessage(context.Background(), friend.Number, e.Text); err != nil {
			slog.Error("Sending message failed", "friendship_id", e.FriendshipID, "error", err)
		}
	})
}
