// Package app assembles a running Buzzline process: database, migrations,
// config and the collaborator graph behind the engine.
package app

import (
	"database/sql"
	"os"

	"buzzline/internal/chat"
	"buzzline/internal/config"
	"buzzline/internal/db"
	"buzzline/internal/dispatch"
	"buzzline/internal/engine"
	"buzzline/internal/events"
	"buzzline/internal/gate"
	"buzzline/internal/migrate"
	"buzzline/internal/registry"
	"buzzline/internal/repo"
	"buzzline/internal/voice"
)

// Secrets never live in buzzline.yml; they are read from the environment at
// startup.
type Secrets struct {
	TelegramToken   string
	TwilioAuthToken string
	JWTSecret       string
	// ChatWebhookSecret is echoed by Telegram in the
	// X-Telegram-Bot-Api-Secret-Token header.
	ChatWebhookSecret string
}

func SecretsFromEnv() Secrets {
	return Secrets{
		TelegramToken:     os.Getenv("BUZZLINE_TELEGRAM_TOKEN"),
		TwilioAuthToken:   os.Getenv("BUZZLINE_TWILIO_AUTH_TOKEN"),
		JWTSecret:         os.Getenv("BUZZLINE_JWT_SECRET"),
		ChatWebhookSecret: os.Getenv("BUZZLINE_CHAT_WEBHOOK_SECRET"),
	}
}

// Context holds the wired collaborators for one process.
type Context struct {
	DB       *sql.DB
	Config   *config.Config
	Secrets  Secrets
	Repo     repo.Repo
	Voice    *voice.Client
	Chat     *chat.Client
	Registry *registry.Registry
	Engine   engine.Engine
}

// Bootstrap opens the workspace database, runs migrations, loads config and
// wires the collaborator graph. The caller owns Close.
func Bootstrap(workspace string, cfg *config.Config, secrets Secrets) (*Context, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}

	r := repo.Repo{DB: conn}
	writer := events.Writer{DB: conn}

	voiceClient := voice.NewClient(cfg.Twilio.AccountSID, secrets.TwilioAuthToken, cfg.Twilio.FallbackNumber)
	if cfg.Twilio.WaitMusicURL != "" {
		voiceClient.WaitMusicURL = cfg.Twilio.WaitMusicURL
	}
	chatClient := chat.NewClient(secrets.TelegramToken, cfg.Telegram.ChatID, cfg.Telegram.BotUsername)

	reg := &registry.Registry{
		Repo:     r,
		Events:   writer,
		Gate:     gate.New(r, writer),
		Prompter: chatClient,
		Applier:  dispatch.Dispatcher{Voice: voiceClient, Chat: chatClient},
		Timeout:  cfg.DecisionTimeout(),
	}

	return &Context{
		DB:       conn,
		Config:   cfg,
		Secrets:  secrets,
		Repo:     r,
		Voice:    voiceClient,
		Chat:     chatClient,
		Registry: reg,
		Engine:   engine.New(conn, cfg, reg, chatClient),
	}, nil
}

// Close shuts the active workflow down and closes the database.
func (c *Context) Close() {
	if c.Registry != nil {
		c.Registry.Shutdown()
	}
	if c.DB != nil {
		c.DB.Close()
	}
}
