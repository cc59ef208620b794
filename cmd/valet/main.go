// Command valet runs the personal assistant runtime and its WhatsApp
// loopback bridge, plus the policy and pairing tooling.
package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	cronlib "github.com/robfig/cron/v3"

	"github.com/valetbot/valet/internal/archive"
	"github.com/valetbot/valet/internal/bridge"
	"github.com/valetbot/valet/internal/bus"
	"github.com/valetbot/valet/internal/cache"
	"github.com/valetbot/valet/internal/channels"
	"github.com/valetbot/valet/internal/channels/discord"
	"github.com/valetbot/valet/internal/channels/feishu"
	"github.com/valetbot/valet/internal/channels/telegram"
	"github.com/valetbot/valet/internal/channels/whatsapp"
	"github.com/valetbot/valet/internal/config"
	"github.com/valetbot/valet/internal/llm"
	. "github.com/valetbot/valet/internal/logging"
	"github.com/valetbot/valet/internal/media"
	"github.com/valetbot/valet/internal/memory"
	"github.com/valetbot/valet/internal/orchestrator"
	"github.com/valetbot/valet/internal/paths"
	"github.com/valetbot/valet/internal/pipeline"
	"github.com/valetbot/valet/internal/policy"
	"github.com/valetbot/valet/internal/security"
	"github.com/valetbot/valet/internal/session"
	"github.com/valetbot/valet/internal/telemetry"
)

const version = "0.3.0"

type cli struct {
	Debug bool `help:"Enable debug logging." short:"d"`

	Run      runCmd      `cmd:"" default:"1" help:"Run the assistant runtime."`
	Bridge   bridgeCmd   `cmd:"" help:"Run the WhatsApp loopback bridge."`
	Policy   policyCmd   `cmd:"" help:"Inspect and administer the chat policy."`
	Whatsapp whatsappCmd `cmd:"" help:"WhatsApp device pairing."`
	Version  versionCmd  `cmd:"" help:"Print the version."`
}

type versionCmd struct{}

func (versionCmd) Run() error {
	fmt.Printf("valet %s\n", version)
	return nil
}

func main() {
	var app cli
	ktx := kong.Parse(&app,
		kong.Name("valet"),
		kong.Description("Multi-channel personal assistant runtime."),
		kong.UsageOnError(),
	)

	level := LevelInfo
	if app.Debug {
		level = LevelDebug
	}
	Init(&Config{Level: level, TimeFormat: "15:04:05", ShowCaller: true})

	if err := ktx.Run(); err != nil {
		L_fatal("%s", err)
	}
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// ---------------------------------------------------------------------------
// valet run

type runCmd struct{}

func (runCmd) Run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	archivePath, err := paths.ArchivePath()
	if err != nil {
		return err
	}
	memoryPath, err := paths.MemoryPath()
	if err != nil {
		return err
	}
	sessionsDir, err := paths.SessionsDir()
	if err != nil {
		return err
	}
	incomingDir, err := paths.MediaIncomingDir()
	if err != nil {
		return err
	}
	outgoingDir, err := paths.MediaOutgoingDir()
	if err != nil {
		return err
	}
	policyPath, err := paths.PolicyPath()
	if err != nil {
		return err
	}
	auditPath, err := paths.DataPath("policy-audit.jsonl")
	if err != nil {
		return err
	}
	backupDir, err := paths.DataPath("policy-backups")
	if err != nil {
		return err
	}

	archiveStore, err := archive.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer archiveStore.Close()

	memStore, err := memory.Open(memoryPath)
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer memStore.Close()

	sessions, err := session.NewStore(sessionsDir)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	incoming := media.NewIncomingStore(incomingDir)

	engine, err := policy.NewEngine(policyPath)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	go engine.Watch(ctx)

	var groups policy.GroupLister
	if cfg.Channels.WhatsApp.Enabled {
		bridgeURL, token := cfg.Channels.WhatsApp.BridgeURL, cfg.Bridge.Token
		groups = func(ctx context.Context) ([]policy.GroupInfo, error) {
			return whatsapp.ListGroupsSync(ctx, bridgeURL, token)
		}
	}
	// /panic drains in-flight work through the root context
	admin, err := policy.NewAdminService(engine, auditPath, backupDir, groups, sessions.Clear, cancel)
	if err != nil {
		return fmt.Errorf("init admin service: %w", err)
	}

	client := llm.NewClient(cfg.LLM)
	responder := llm.NewResponder(client)
	speech := llm.NewSpeech(client, outgoingDir)
	transcriber := llm.NewTranscriber(client)
	embedder := llm.NewEmbedder(client)

	worker := memory.NewCaptureWorker(memStore, nil, embedder, cfg.Memory, engine.IsOwner)
	go worker.Run(ctx)

	recaller := &orchestrator.RecallAdapter{
		Store:    memStore,
		Embedder: embedder,
		Cfg:      cfg.Memory,
	}

	sec := security.NewEngine()
	dedup := cache.New(time.Duration(cfg.Pipeline.DedupTTLMinutes)*time.Minute, cfg.Pipeline.DedupMaxSize)
	pipe := pipeline.New(
		pipeline.NewNormalize(),
		pipeline.NewDedup(dedup),
		pipeline.NewArchive(archiveStore),
		pipeline.NewReplyContext(archiveStore, cfg.Pipeline.ReplyContextWindowLimit, cfg.Pipeline.AmbientWindowLimit),
		pipeline.NewAdminCommand(admin),
		pipeline.NewPolicyStage(engine),
		pipeline.NewIdeaCapture(cfg.Pipeline.IdeaWords, cfg.Pipeline.BacklogWords),
		pipeline.NewAccessControl(),
		pipeline.NewNewChatNotify(archiveStore, engine),
		pipeline.NewNoReplyFilter(),
		pipeline.NewInputSecurity(sec),
		pipeline.NewResponderStage(responder, sessions, recaller, time.Duration(cfg.LLM.TimeoutSeconds)*time.Second),
		pipeline.NewOutbound(sec, engine, speech, cfg.Memory.CaptureAssistant),
	)

	b := bus.New(1000, 1000)
	orch := orchestrator.New(b, pipe, sessions, worker, telemetry.Default())

	mgr := channels.NewManager(b)
	var adapters []channels.Adapter
	if cfg.Channels.WhatsApp.Enabled {
		adapters = append(adapters, whatsapp.New(cfg.Channels.WhatsApp, cfg.Bridge.Token, b, transcriber))
	}
	if cfg.Channels.Telegram.Enabled {
		adapters = append(adapters, telegram.New(cfg.Channels.Telegram, b, incoming, transcriber))
	}
	if cfg.Channels.Discord.Enabled {
		adapters = append(adapters, discord.New(cfg.Channels.Discord, b))
	}
	if cfg.Channels.Feishu.Enabled {
		adapters = append(adapters, feishu.New(cfg.Channels.Feishu, b))
	}
	if len(adapters) == 0 {
		return fmt.Errorf("no channels enabled, nothing to do")
	}
	mgr.StartAll(ctx, adapters...)
	defer mgr.StopAll()

	sweeper := cronlib.New()
	if _, err := sweeper.AddFunc(cfg.Archive.SweepSchedule, func() {
		retention := time.Duration(cfg.Archive.RetentionDays) * 24 * time.Hour
		purged, err := archiveStore.PurgeOlderThan(retention)
		if err != nil {
			L_warn("archive sweep failed", "error", err)
		}
		removed := incoming.PurgeOlderThan(retention)
		L_info("retention sweep done", "archiveRows", purged, "mediaFiles", removed)
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", cfg.Archive.SweepSchedule, err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	go b.DispatchOutbound(ctx)

	L_info("valet running", "version", version, "channels", strings.Join(mgr.Names(), ","))
	err = orch.Run(ctx)

	SetShuttingDown()
	L_info("valet stopped")
	return err
}

// ---------------------------------------------------------------------------
// valet bridge

type bridgeCmd struct{}

func (bridgeCmd) Run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	authDir, incomingDir, outgoingDir, err := bridgeDirs()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	// the server is constructed after the session, so the emit closure
	// captures the variable rather than the value
	var srv *bridge.Server
	sess, err := bridge.NewSession(cfg.Bridge, authDir, incomingDir, outgoingDir, func(evt bridge.Event) {
		if srv != nil {
			srv.Broadcast(evt)
		}
	})
	if err != nil {
		return fmt.Errorf("open whatsapp session: %w", err)
	}
	srv, err = bridge.NewServer(cfg.Bridge, sess)
	if err != nil {
		return fmt.Errorf("init bridge server: %w", err)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- srv.Run(ctx) }()
	sup := bridge.NewSupervisor(sess)
	go func() { errCh <- sup.Run(ctx) }()

	L_info("bridge running", "host", cfg.Bridge.Host, "port", cfg.Bridge.Port)
	select {
	case <-ctx.Done():
		<-errCh
		<-errCh
		return nil
	case err := <-errCh:
		cancel()
		<-errCh
		return err
	}
}

func bridgeDirs() (authDir, incomingDir, outgoingDir string, err error) {
	if authDir, err = paths.WhatsAppAuthDir(); err != nil {
		return
	}
	if incomingDir, err = paths.MediaIncomingDir(); err != nil {
		return
	}
	outgoingDir, err = paths.MediaOutgoingDir()
	return
}

// ---------------------------------------------------------------------------
// valet policy

type policyCmd struct {
	Explain policyExplainCmd `cmd:"" help:"Show the effective policy decision for an actor."`
	Admin   policyAdminCmd   `cmd:"" help:"Run a policy admin command as the configured owner."`
}

type policyExplainCmd struct {
	Channel    string `required:"" help:"Channel name (whatsapp, telegram, discord, feishu)."`
	Chat       string `required:"" help:"Chat identifier."`
	Sender     string `required:"" help:"Sender identifier."`
	Group      bool   `help:"Treat the chat as a group."`
	Mentioned  bool   `help:"The message mentions the bot."`
	ReplyToBot bool   `help:"The message replies to the bot."`
}

func (c *policyExplainCmd) Run() error {
	engine, err := openPolicyEngine()
	if err != nil {
		return err
	}
	out, err := engine.Explain(policy.Actor{
		Channel:      c.Channel,
		ChatID:       c.Chat,
		SenderID:     c.Sender,
		IsGroup:      c.Group,
		MentionedBot: c.Mentioned,
		ReplyToBot:   c.ReplyToBot,
	})
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

type policyAdminCmd struct {
	Channel string   `default:"whatsapp" help:"Channel whose owner identity the command runs under."`
	Command []string `arg:"" help:"Admin command, e.g.: /policy show"`
}

func (c *policyAdminCmd) Run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	engine, err := openPolicyEngine()
	if err != nil {
		return err
	}
	owners := engine.Owners(c.Channel)
	if len(owners) == 0 {
		return fmt.Errorf("no owner configured for channel %q", c.Channel)
	}

	auditPath, err := paths.DataPath("policy-audit.jsonl")
	if err != nil {
		return err
	}
	backupDir, err := paths.DataPath("policy-backups")
	if err != nil {
		return err
	}
	sessionsDir, err := paths.SessionsDir()
	if err != nil {
		return err
	}
	sessions, err := session.NewStore(sessionsDir)
	if err != nil {
		return err
	}

	var groups policy.GroupLister
	if cfg.Channels.WhatsApp.Enabled {
		bridgeURL, token := cfg.Channels.WhatsApp.BridgeURL, cfg.Bridge.Token
		groups = func(ctx context.Context) ([]policy.GroupInfo, error) {
			return whatsapp.ListGroupsSync(ctx, bridgeURL, token)
		}
	}
	admin, err := policy.NewAdminService(engine, auditPath, backupDir, groups, sessions.Clear, func() {})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	raw := strings.Join(c.Command, " ")
	reply, err := admin.Handle(ctx, c.Channel, "", owners[0], false, raw)
	if err != nil {
		return err
	}
	fmt.Println(reply)
	return nil
}

func openPolicyEngine() (*policy.Engine, error) {
	policyPath, err := paths.PolicyPath()
	if err != nil {
		return nil, err
	}
	engine, err := policy.NewEngine(policyPath)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	return engine, nil
}

// ---------------------------------------------------------------------------
// valet whatsapp

type whatsappCmd struct {
	Link   whatsappLinkCmd   `cmd:"" help:"Pair a WhatsApp device by scanning a QR code."`
	Unlink whatsappUnlinkCmd `cmd:"" help:"Log out and remove the paired device."`
	Status whatsappStatusCmd `cmd:"" help:"Show the pairing state."`
}

type whatsappLinkCmd struct {
	Force bool `help:"Re-pair even when a device is already linked."`
}

func (c *whatsappLinkCmd) Run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	authDir, incomingDir, outgoingDir, err := bridgeDirs()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	return bridge.LinkDevice(ctx, cfg.Bridge, authDir, incomingDir, outgoingDir, c.Force)
}

type whatsappUnlinkCmd struct{}

func (whatsappUnlinkCmd) Run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	authDir, incomingDir, outgoingDir, err := bridgeDirs()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return bridge.UnlinkDevice(ctx, cfg.Bridge, authDir, incomingDir, outgoingDir)
}

type whatsappStatusCmd struct{}

func (whatsappStatusCmd) Run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	authDir, incomingDir, outgoingDir, err := bridgeDirs()
	if err != nil {
		return err
	}
	return bridge.DeviceStatus(cfg.Bridge, authDir, incomingDir, outgoingDir)
}
