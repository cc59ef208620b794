package bridge

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	watypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/valetbot/valet/internal/cache"
	"github.com/valetbot/valet/internal/config"
	. "github.com/valetbot/valet/internal/logging"
	"github.com/valetbot/valet/internal/media"
)

// cache tuning per session
const (
	dedupTTL     = 20 * time.Minute
	dedupMax     = 5000
	quoteTTL     = 20 * time.Minute
	quoteMax     = 2000
	selfEchoTTL  = 10 * time.Minute
	selfEchoMax  = 5000
	qrFreshness  = 120 * time.Second
	quoteTextCap = 1000
)

// valetLogger bridges whatsmeow's waLog.Logger to the shared logger.
type valetLogger struct {
	module string
}

func (l *valetLogger) Debugf(msg string, args ...interface{}) {
	L_debug(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}
func (l *valetLogger) Infof(msg string, args ...interface{}) {
	L_info(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}
func (l *valetLogger) Warnf(msg string, args ...interface{}) {
	L_warn(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}
func (l *valetLogger) Errorf(msg string, args ...interface{}) {
	L_error(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}
func (l *valetLogger) Sub(module string) waLog.Logger {
	return &valetLogger{module: l.module + "/" + module}
}

// quoteEntry is what the quote cache keeps per (chat, message) for later
// quoted replies.
type quoteEntry struct {
	msg    *waE2E.Message
	sender string
}

// Session owns the live WhatsApp socket and implements Driver.
type Session struct {
	cfg     config.BridgeConfig
	client  *whatsmeow.Client
	authDir string
	emit    func(Event)

	incoming     *media.IncomingStore
	outgoingRoot string
	download     func(ctx context.Context, dl whatsmeow.DownloadableMessage) ([]byte, error)

	recentInbound *cache.TTLCache
	quoteCache    *cache.TTLCache
	outboundSelf  *cache.TTLCache

	droppedDupes   atomic.Int64
	lastMessageAt  atomic.Int64
	reconnects     atomic.Int64
	running        atomic.Bool
	disconnectedCh chan struct{}

	mu             sync.Mutex
	lastDisconnect string
	lastError      string
	qrCode         string
	qrAt           time.Time
}

// NewSession opens the credential store under authDir and builds the client.
// A missing device is fine; pairing happens through login_start.
func NewSession(cfg config.BridgeConfig, authDir, incomingRoot, outgoingRoot string, emit func(Event)) (*Session, error) {
	if err := os.MkdirAll(authDir, 0700); err != nil {
		return nil, fmt.Errorf("create auth dir: %w", err)
	}
	dbPath := filepath.Join(authDir, "whatsapp.db")
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open whatsapp credential db: %w", err)
	}
	container := sqlstore.NewWithDB(db, "sqlite3", &valetLogger{module: "store"})
	if err := container.Upgrade(context.Background()); err != nil {
		return nil, fmt.Errorf("upgrade whatsapp store: %w", err)
	}
	device, err := container.GetFirstDevice(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load whatsapp device: %w", err)
	}
	if device == nil {
		device = container.NewDevice()
	}

	client := whatsmeow.NewClient(device, &valetLogger{module: "client"})
	client.EnableAutoReconnect = false // the supervisor owns reconnection

	s := &Session{
		cfg:            cfg,
		client:         client,
		authDir:        authDir,
		emit:           emit,
		incoming:       media.NewIncomingStore(incomingRoot),
		outgoingRoot:   outgoingRoot,
		recentInbound:  cache.New(dedupTTL, dedupMax),
		quoteCache:     cache.New(quoteTTL, quoteMax),
		outboundSelf:   cache.New(selfEchoTTL, selfEchoMax),
		disconnectedCh: make(chan struct{}, 1),
	}
	s.download = client.Download
	client.AddEventHandler(s.handleEvent)
	return s, nil
}

// AccountID returns the paired JID user part, empty when unpaired.
func (s *Session) AccountID() string {
	if s.client.Store.ID == nil {
		return ""
	}
	return s.client.Store.ID.User
}

func (s *Session) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		s.handleMessage(v)
	case *events.Connected:
		L_info("bridge: whatsapp connected", "jid", s.client.Store.ID)
		s.reconnects.Store(0)
		s.enforceAuthPerms()
		s.emitStatus("connected")
	case *events.Disconnected:
		L_warn("bridge: whatsapp disconnected")
		s.setDisconnect("disconnected")
		s.signalDisconnect()
		s.emitStatus("disconnected")
	case *events.LoggedOut:
		L_error("bridge: whatsapp logged out", "reason", v.Reason)
		s.setDisconnect(fmt.Sprintf("logged_out:%v", v.Reason))
		s.signalDisconnect()
		s.emitStatus("logged_out")
	case *events.QR:
		if len(v.Codes) > 0 {
			s.latchQR(v.Codes[0])
			s.emit(NewEvent(EvtQR, s.AccountID(), "", map[string]any{"code": v.Codes[0]}))
		}
	}
}

func (s *Session) signalDisconnect() {
	select {
	case s.disconnectedCh <- struct{}{}:
	default:
	}
}

func (s *Session) setDisconnect(reason string) {
	s.mu.Lock()
	s.lastDisconnect = reason
	s.mu.Unlock()
}

func (s *Session) setError(err error) {
	s.mu.Lock()
	if err != nil {
		s.lastError = err.Error()
	}
	s.mu.Unlock()
}

func (s *Session) latchQR(code string) {
	s.mu.Lock()
	s.qrCode = code
	s.qrAt = time.Now()
	s.mu.Unlock()
}

// freshQR returns the latched QR code when it is younger than the freshness
// window.
func (s *Session) freshQR() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.qrCode == "" || time.Since(s.qrAt) > qrFreshness {
		return ""
	}
	return s.qrCode
}

func (s *Session) emitStatus(state string) {
	s.emit(NewEvent(EvtStatus, s.AccountID(), "", map[string]any{
		"state":             state,
		"reconnectAttempts": s.reconnects.Load(),
	}))
}

// enforceAuthPerms keeps the credential directory private after updates.
func (s *Session) enforceAuthPerms() {
	os.Chmod(s.authDir, 0700)
	entries, err := os.ReadDir(s.authDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		path := filepath.Join(s.authDir, e.Name())
		if e.IsDir() {
			os.Chmod(path, 0700)
		} else {
			os.Chmod(path, 0600)
		}
	}
}

// resolveParticipant picks the effective sender JID. Groups use the platform
// participant; 1:1 chats always resolve to the remote JID, since contextInfo's
// participant belongs to a quoted message, not this one.
func resolveParticipant(chatJID, senderJID string, isGroup bool) string {
	if isGroup && senderJID != "" {
		return senderJID
	}
	return chatJID
}

var mentionDigitsRe = regexp.MustCompile(`@(\d{5,})`)

func (s *Session) handleMessage(evt *events.Message) {
	info := evt.Info
	if info.Chat.User == "" || info.Chat.User == "status" {
		return
	}

	chatJID := info.Chat.ToNonAD().String()
	senderJID := info.Sender.ToNonAD().String()
	messageID := string(info.ID)

	if info.IsFromMe {
		if !s.cfg.AcceptFromMe {
			return
		}
		// accept external messages from the same account, drop this
		// bridge's own echoes
		if s.outboundSelf.Contains(messageID) {
			return
		}
	}

	msg := unwrapMessage(evt.Message, 6)
	if msg == nil {
		return
	}
	s.quoteCache.Put(chatJID+":"+messageID, &quoteEntry{msg: msg, sender: senderJID})

	sum := sha1.Sum([]byte(chatJID + ":" + messageID))
	if !s.recentInbound.PutIfAbsent(hex.EncodeToString(sum[:]), struct{}{}) {
		s.droppedDupes.Add(1)
		return
	}

	isGroup := strings.HasSuffix(chatJID, "@g.us")
	participant := resolveParticipant(chatJID, senderJID, isGroup)

	text, mediaInfo := s.extractContent(msg, messageID, info.Timestamp)
	ci := extractContextInfo(msg)

	var quote *QuotePayload
	if ci != nil && ci.GetStanzaID() != "" {
		qt := collapseWhitespace(quotedText(ci.GetQuotedMessage()))
		if len(qt) > quoteTextCap {
			qt = qt[:quoteTextCap]
		}
		quote = &QuotePayload{
			MessageID:   ci.GetStanzaID(),
			Participant: ci.GetParticipant(),
			Text:        qt,
		}
	}

	mentions := extractMentions(ci, text)
	mentionsBot := s.mentionsSelf(mentions)

	if s.cfg.ReadReceipts {
		if err := s.client.MarkRead(context.Background(), []watypes.MessageID{info.ID},
			time.Now(), info.Chat, info.Sender); err != nil {
			L_debug("bridge: read receipt failed", "error", err)
		}
	}

	s.lastMessageAt.Store(time.Now().Unix())
	s.emit(NewEvent(EvtMessage, s.AccountID(), "", &MessagePayload{
		MessageID:   messageID,
		ChatJID:     chatJID,
		SenderJID:   senderJID,
		Participant: participant,
		PushName:    info.PushName,
		Timestamp:   info.Timestamp.Unix(),
		IsGroup:     isGroup,
		FromMe:      info.IsFromMe,
		Text:        text,
		Quote:       quote,
		Mentions:    mentions,
		MentionsBot: mentionsBot,
		Media:       mediaInfo,
	}))
}

// unwrapMessage peels nested envelopes (ephemeral, view-once, document with
// caption, device-sent) up to maxDepth levels.
func unwrapMessage(msg *waE2E.Message, maxDepth int) *waE2E.Message {
	for depth := 0; depth < maxDepth && msg != nil; depth++ {
		switch {
		case msg.GetEphemeralMessage().GetMessage() != nil:
			msg = msg.GetEphemeralMessage().GetMessage()
		case msg.GetViewOnceMessage().GetMessage() != nil:
			msg = msg.GetViewOnceMessage().GetMessage()
		case msg.GetViewOnceMessageV2().GetMessage() != nil:
			msg = msg.GetViewOnceMessageV2().GetMessage()
		case msg.GetDocumentWithCaptionMessage().GetMessage() != nil:
			msg = msg.GetDocumentWithCaptionMessage().GetMessage()
		case msg.GetDeviceSentMessage().GetMessage() != nil:
			msg = msg.GetDeviceSentMessage().GetMessage()
		default:
			return msg
		}
	}
	return msg
}

// extractContent pulls text and (persisted) media from an unwrapped message.
func (s *Session) extractContent(msg *waE2E.Message, messageID string, ts time.Time) (string, *MediaPayload) {
	switch {
	case msg.GetConversation() != "":
		return msg.GetConversation(), nil

	case msg.GetExtendedTextMessage() != nil:
		return msg.GetExtendedTextMessage().GetText(), nil

	case msg.GetImageMessage() != nil:
		im := msg.GetImageMessage()
		text := im.GetCaption()
		if text == "" {
			text = "[Image]"
		}
		mp := &MediaPayload{Kind: "image", MimeType: im.GetMimetype(), Size: int64(im.GetFileLength())}
		s.persistMedia(mp, im, messageID, ts, true)
		return text, mp

	case msg.GetAudioMessage() != nil:
		am := msg.GetAudioMessage()
		text := "[Voice Message]"
		if !am.GetPTT() {
			text = "[Audio]"
		}
		mp := &MediaPayload{Kind: "audio", MimeType: am.GetMimetype(), Size: int64(am.GetFileLength()), Voice: am.GetPTT()}
		s.persistMedia(mp, am, messageID, ts, s.cfg.PersistInboundAudio)
		return text, mp

	case msg.GetVideoMessage() != nil:
		vm := msg.GetVideoMessage()
		text := vm.GetCaption()
		if text == "" {
			text = "[Video]"
		}
		return text, &MediaPayload{Kind: "video", MimeType: vm.GetMimetype(), Size: int64(vm.GetFileLength())}

	case msg.GetStickerMessage() != nil:
		sm := msg.GetStickerMessage()
		return "[Sticker]", &MediaPayload{Kind: "sticker", MimeType: sm.GetMimetype(), Size: int64(sm.GetFileLength())}

	case msg.GetDocumentMessage() != nil:
		dm := msg.GetDocumentMessage()
		text := dm.GetCaption()
		if text == "" {
			text = "[Document] " + dm.GetFileName()
		}
		return text, &MediaPayload{Kind: "file", MimeType: dm.GetMimetype(), Size: int64(dm.GetFileLength())}

	case msg.GetReactionMessage() != nil:
		return "", nil
	}
	return "", nil
}

// media downloads hit transient server errors, so they get a short retry
// ladder before the attachment is dropped
var downloadBackoff = []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second}

// persistMedia downloads and stores one attachment when persist is set,
// filling in the payload path.
func (s *Session) persistMedia(mp *MediaPayload, dl whatsmeow.DownloadableMessage, messageID string, ts time.Time, persist bool) {
	if !persist {
		return
	}
	var data []byte
	var err error
	for attempt := 0; ; attempt++ {
		data, err = s.download(context.Background(), dl)
		if err == nil {
			break
		}
		if attempt >= len(downloadBackoff) {
			L_warn("bridge: media download failed", "kind", mp.Kind, "error", err)
			return
		}
		L_debug("bridge: media download retry", "kind", mp.Kind, "attempt", attempt+1, "error", err)
		time.Sleep(downloadBackoff[attempt])
	}
	path, err := s.incoming.Save("whatsapp", messageID, data, mp.MimeType, ts)
	if err != nil {
		L_warn("bridge: media persist failed", "kind", mp.Kind, "error", err)
		return
	}
	mp.Path = path
	mp.Size = int64(len(data))
}

func extractContextInfo(msg *waE2E.Message) *waE2E.ContextInfo {
	switch {
	case msg.GetExtendedTextMessage() != nil:
		return msg.GetExtendedTextMessage().GetContextInfo()
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage().GetContextInfo()
	case msg.GetAudioMessage() != nil:
		return msg.GetAudioMessage().GetContextInfo()
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage().GetContextInfo()
	case msg.GetStickerMessage() != nil:
		return msg.GetStickerMessage().GetContextInfo()
	case msg.GetDocumentMessage() != nil:
		return msg.GetDocumentMessage().GetContextInfo()
	}
	return nil
}

func quotedText(q *waE2E.Message) string {
	if q == nil {
		return ""
	}
	switch {
	case q.GetConversation() != "":
		return q.GetConversation()
	case q.GetExtendedTextMessage() != nil:
		return q.GetExtendedTextMessage().GetText()
	case q.GetImageMessage() != nil:
		return q.GetImageMessage().GetCaption()
	case q.GetVideoMessage() != nil:
		return q.GetVideoMessage().GetCaption()
	case q.GetAudioMessage() != nil:
		return "[Voice Message]"
	}
	return ""
}

func collapseWhitespace(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// extractMentions merges contextInfo mentions with @<digits> scanned from the
// text.
func extractMentions(ci *waE2E.ContextInfo, text string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(jid string) {
		if jid != "" && !seen[jid] {
			seen[jid] = true
			out = append(out, jid)
		}
	}
	if ci != nil {
		for _, jid := range ci.GetMentionedJID() {
			add(jid)
		}
	}
	for _, m := range mentionDigitsRe.FindAllStringSubmatch(text, -1) {
		add(m[1] + "@s.whatsapp.net")
	}
	return out
}

// mentionsSelf reports whether any mentioned JID matches this account.
func (s *Session) mentionsSelf(mentions []string) bool {
	self := s.AccountID()
	if self == "" {
		return false
	}
	for _, jid := range mentions {
		if strings.HasPrefix(jid, self+"@") || jid == self {
			return true
		}
	}
	return false
}

// --- Driver command surface ---

func parseJID(to string) (watypes.JID, error) {
	if strings.Contains(to, "@") {
		jid, err := watypes.ParseJID(to)
		if err != nil {
			return watypes.EmptyJID, fmt.Errorf("parse jid %q: %w", to, err)
		}
		return jid, nil
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, to)
	if digits == "" {
		return watypes.EmptyJID, fmt.Errorf("empty recipient")
	}
	return watypes.NewJID(digits, watypes.DefaultUserServer), nil
}

// SendText sends a text message, quoting the referenced message when it is
// still in the quote cache.
func (s *Session) SendText(ctx context.Context, p *SendTextPayload) (string, error) {
	jid, err := parseJID(p.To)
	if err != nil {
		return "", err
	}

	var msg *waE2E.Message
	if entry := s.lookupQuote(jid.String(), p.ReplyToMessageID); entry != nil {
		msg = &waE2E.Message{
			ExtendedTextMessage: &waE2E.ExtendedTextMessage{
				Text: proto.String(p.Text),
				ContextInfo: &waE2E.ContextInfo{
					StanzaID:      proto.String(p.ReplyToMessageID),
					Participant:   proto.String(entry.sender),
					QuotedMessage: entry.msg,
				},
			},
		}
	} else {
		msg = &waE2E.Message{Conversation: proto.String(p.Text)}
	}

	resp, err := s.client.SendMessage(ctx, jid, msg)
	if err != nil {
		s.setError(err)
		return "", fmt.Errorf("send text: %w", err)
	}
	s.outboundSelf.Put(string(resp.ID), struct{}{})
	return string(resp.ID), nil
}

func (s *Session) lookupQuote(chatJID, messageID string) *quoteEntry {
	if messageID == "" {
		return nil
	}
	v, ok := s.quoteCache.Get(chatJID + ":" + messageID)
	if !ok {
		return nil
	}
	return v.(*quoteEntry)
}

// SendMedia uploads and sends a media message from one of the three sources.
func (s *Session) SendMedia(ctx context.Context, p *SendMediaPayload) (string, error) {
	jid, err := parseJID(p.To)
	if err != nil {
		return "", err
	}
	data, err := s.loadMediaSource(ctx, p)
	if err != nil {
		return "", err
	}

	mimeType := p.MimeType
	if mimeType == "" {
		mimeType = media.DetectMime(data)
	}

	upload, err := s.client.Upload(ctx, data, mimeToMediaType(mimeType))
	if err != nil {
		s.setError(err)
		return "", fmt.Errorf("media upload: %w", err)
	}
	msg := buildMediaMessage(mimeType, &upload, p.Caption, p.FileName, uint64(len(data)))

	resp, err := s.client.SendMessage(ctx, jid, msg)
	if err != nil {
		s.setError(err)
		return "", fmt.Errorf("send media: %w", err)
	}
	s.outboundSelf.Put(string(resp.ID), struct{}{})
	return string(resp.ID), nil
}

const maxFetchedMediaBytes = 32 * 1024 * 1024

func (s *Session) loadMediaSource(ctx context.Context, p *SendMediaPayload) ([]byte, error) {
	switch {
	case p.MediaBase64 != "":
		data, err := base64.StdEncoding.DecodeString(p.MediaBase64)
		if err != nil {
			return nil, fmt.Errorf("decode mediaBase64: %w", err)
		}
		return data, nil

	case p.MediaURL != "":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.MediaURL, nil)
		if err != nil {
			return nil, fmt.Errorf("fetch mediaUrl: %w", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch mediaUrl: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch mediaUrl: status %d", resp.StatusCode)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchedMediaBytes+1))
		if err != nil {
			return nil, fmt.Errorf("read mediaUrl body: %w", err)
		}
		if len(data) > maxFetchedMediaBytes {
			return nil, fmt.Errorf("mediaUrl body exceeds %d bytes", maxFetchedMediaBytes)
		}
		return data, nil

	case p.MediaPath != "":
		resolved, err := media.ResolveOutgoing(s.outgoingRoot, p.MediaPath)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("read media file: %w", err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("no media source")
}

func buildMediaMessage(mimeType string, resp *whatsmeow.UploadResponse, caption, fileName string, fileLength uint64) *waE2E.Message {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(mimeType),
			URL:           &resp.URL,
			DirectPath:    &resp.DirectPath,
			MediaKey:      resp.MediaKey,
			FileEncSHA256: resp.FileEncSHA256,
			FileSHA256:    resp.FileSHA256,
			FileLength:    &fileLength,
		}}
	case strings.HasPrefix(mimeType, "video/"):
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(mimeType),
			URL:           &resp.URL,
			DirectPath:    &resp.DirectPath,
			MediaKey:      resp.MediaKey,
			FileEncSHA256: resp.FileEncSHA256,
			FileSHA256:    resp.FileSHA256,
			FileLength:    &fileLength,
		}}
	case strings.HasPrefix(mimeType, "audio/"):
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(mimeType),
			PTT:           proto.Bool(strings.Contains(mimeType, "ogg")),
			URL:           &resp.URL,
			DirectPath:    &resp.DirectPath,
			MediaKey:      resp.MediaKey,
			FileEncSHA256: resp.FileEncSHA256,
			FileSHA256:    resp.FileSHA256,
			FileLength:    &fileLength,
		}}
	default:
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       proto.String(caption),
			FileName:      proto.String(fileName),
			Mimetype:      proto.String(mimeType),
			URL:           &resp.URL,
			DirectPath:    &resp.DirectPath,
			MediaKey:      resp.MediaKey,
			FileEncSHA256: resp.FileEncSHA256,
			FileSHA256:    resp.FileSHA256,
			FileLength:    &fileLength,
		}}
	}
}

func mimeToMediaType(mimeType string) whatsmeow.MediaType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return whatsmeow.MediaImage
	case strings.HasPrefix(mimeType, "video/"):
		return whatsmeow.MediaVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}

// SendPoll creates a single- or multi-select poll.
func (s *Session) SendPoll(ctx context.Context, p *SendPollPayload) (string, error) {
	jid, err := parseJID(p.To)
	if err != nil {
		return "", err
	}
	maxSel := p.MaxSelections
	if maxSel <= 0 {
		maxSel = 1
	}
	msg := s.client.BuildPollCreation(p.Question, p.Options, maxSel)
	resp, err := s.client.SendMessage(ctx, jid, msg)
	if err != nil {
		s.setError(err)
		return "", fmt.Errorf("send poll: %w", err)
	}
	s.outboundSelf.Put(string(resp.ID), struct{}{})
	return string(resp.ID), nil
}

// React attaches an emoji reaction to an existing message.
func (s *Session) React(ctx context.Context, p *ReactPayload) error {
	chat, err := parseJID(p.ChatJID)
	if err != nil {
		return err
	}
	var sender watypes.JID
	switch {
	case p.FromMe && s.client.Store.ID != nil:
		sender = *s.client.Store.ID
	case p.ParticipantJID != "":
		sender, err = parseJID(p.ParticipantJID)
		if err != nil {
			return err
		}
	default:
		sender = chat
	}
	msg := s.client.BuildReaction(chat, sender, watypes.MessageID(p.MessageID), p.Emoji)
	if _, err := s.client.SendMessage(ctx, chat, msg); err != nil {
		s.setError(err)
		return fmt.Errorf("send reaction: %w", err)
	}
	return nil
}

// PresenceUpdate sets global or chat-scoped presence.
func (s *Session) PresenceUpdate(ctx context.Context, p *PresencePayload) error {
	switch p.State {
	case "available":
		return s.client.SendPresence(ctx, watypes.PresenceAvailable)
	case "unavailable":
		return s.client.SendPresence(ctx, watypes.PresenceUnavailable)
	}

	chat, err := parseJID(p.ChatJID)
	if err != nil {
		return err
	}
	state := watypes.ChatPresenceComposing
	chatMedia := watypes.ChatPresenceMediaText
	switch p.State {
	case "paused":
		state = watypes.ChatPresencePaused
	case "recording":
		chatMedia = watypes.ChatPresenceMediaAudio
	}
	return s.client.SendChatPresence(ctx, chat, state, chatMedia)
}

// ListGroups returns joined groups, optionally filtered to the given JIDs.
func (s *Session) ListGroups(ctx context.Context, ids []string) ([]GroupEntry, error) {
	groups, err := s.client.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	filter := make(map[string]bool, len(ids))
	for _, id := range ids {
		filter[id] = true
	}
	var out []GroupEntry
	for _, g := range groups {
		jid := g.JID.String()
		if len(filter) > 0 && !filter[jid] {
			continue
		}
		out = append(out, GroupEntry{
			JID:          jid,
			Name:         g.Name,
			Participants: len(g.Participants),
		})
	}
	return out, nil
}

// LoginStart returns the current pairing state, streaming the latched QR code
// when pairing is pending. force logs out an existing session first.
func (s *Session) LoginStart(ctx context.Context, force bool, timeout time.Duration) (map[string]any, error) {
	if s.client.Store.ID != nil && !force {
		return map[string]any{"loggedIn": true, "accountId": s.AccountID()}, nil
	}
	if force && s.client.Store.ID != nil {
		if err := s.client.Logout(ctx); err != nil {
			return nil, fmt.Errorf("logout before re-pair: %w", err)
		}
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.client.Store.ID != nil {
			return map[string]any{"loggedIn": true, "accountId": s.AccountID()}, nil
		}
		if qr := s.freshQR(); qr != "" {
			return map[string]any{"loggedIn": false, "qr": qr}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("no QR code within %s", timeout)
}

// LoginWait blocks until the session is logged in or the timeout elapses.
func (s *Session) LoginWait(ctx context.Context, timeout time.Duration) (map[string]any, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.client.Store.ID != nil && s.client.IsLoggedIn() {
			return map[string]any{"loggedIn": true, "accountId": s.AccountID()}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return map[string]any{"loggedIn": false}, nil
}

// Logout unpairs the device.
func (s *Session) Logout(ctx context.Context) error {
	if err := s.client.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// Health reports the whatsapp and dedupe health sections.
func (s *Session) Health() (map[string]any, map[string]any) {
	s.mu.Lock()
	lastDisconnect := s.lastDisconnect
	lastError := s.lastError
	s.mu.Unlock()

	whatsapp := map[string]any{
		"connected":                s.client.IsConnected(),
		"running":                  s.running.Load(),
		"reconnectAttempts":        s.reconnects.Load(),
		"droppedInboundDuplicates": s.droppedDupes.Load(),
		"dedupeCacheSize":          s.recentInbound.Len(),
	}
	if lastDisconnect != "" {
		whatsapp["lastDisconnectStatus"] = lastDisconnect
	}
	if lastError != "" {
		whatsapp["lastError"] = lastError
	}
	if at := s.lastMessageAt.Load(); at > 0 {
		whatsapp["lastMessageAt"] = time.Unix(at, 0).UTC().Format(time.RFC3339)
	}
	dedupe := map[string]any{
		"droppedInboundDuplicates": s.droppedDupes.Load(),
		"dedupeCacheSize":          s.recentInbound.Len(),
	}
	return whatsapp, dedupe
}
