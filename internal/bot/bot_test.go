package bot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/chat2site/internal/chat"
	perrors "github.com/p-blackswan/chat2site/internal/errors"
	"github.com/p-blackswan/chat2site/internal/project"
	"github.com/p-blackswan/chat2site/internal/speech"
	"github.com/p-blackswan/chat2site/internal/telegram"
	"github.com/p-blackswan/chat2site/internal/usage"
)

type fakeTelegram struct {
	mu       sync.Mutex
	messages []string
	invoices []telegram.Invoice
	answered []string
	actions  int
	files    map[string][]byte
}

func (f *fakeTelegram) SendMessage(_ context.Context, _ int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, text)
	return nil
}

func (f *fakeTelegram) SendChatAction(context.Context, int64, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions++
	return nil
}

func (f *fakeTelegram) SendInvoice(_ context.Context, _ int64, inv telegram.Invoice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoices = append(f.invoices, inv)
	return nil
}

func (f *fakeTelegram) AnswerPreCheckoutQuery(_ context.Context, id string, ok bool, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ok {
		f.answered = append(f.answered, id)
	}
	return nil
}

func (f *fakeTelegram) Download(_ context.Context, fileID string) ([]byte, string, error) {
	data, ok := f.files[fileID]
	if !ok {
		return nil, "", perrors.NewAPIError("telegram", 400, "file not found")
	}
	return data, "jpg", nil
}

type fakeEngine struct {
	turns   []chat.Request
	outcome *chat.Outcome
	err     error
	images  map[string][]byte
	resets  int
	status  *chat.Status
	pages   []project.PageContent
	posts   []project.BlogPost
	hasBlog bool
}

func (f *fakeEngine) Turn(ctx context.Context, req chat.Request) (*chat.Outcome, error) {
	f.turns = append(f.turns, req)
	if f.err != nil {
		return nil, f.err
	}
	if f.outcome.Deployed && req.OnDeploy != nil {
		req.OnDeploy(ctx)
	}
	return f.outcome, nil
}

func (f *fakeEngine) AddImage(_ context.Context, _, name string, data []byte) (string, error) {
	if f.images == nil {
		f.images = map[string][]byte{}
	}
	f.images[name] = data
	return "/images/" + name, nil
}

func (f *fakeEngine) Reset(context.Context, string) error {
	f.resets++
	return nil
}

func (f *fakeEngine) Status(context.Context, string) (*chat.Status, error) { return f.status, nil }

func (f *fakeEngine) Pages(context.Context, string) ([]project.PageContent, error) {
	return f.pages, nil
}

func (f *fakeEngine) Blog(context.Context, string) ([]project.BlogPost, bool, error) {
	return f.posts, f.hasBlog, nil
}

type fakeLedger struct {
	sites   []string
	updates map[string]int
}

func (f *fakeLedger) AddExtraSite(_ context.Context, _, tx string) error {
	f.sites = append(f.sites, tx)
	return nil
}

func (f *fakeLedger) AddExtraUpdates(_ context.Context, _, tx string, count int) error {
	if f.updates == nil {
		f.updates = map[string]int{}
	}
	f.updates[tx] += count
	return nil
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(context.Context, []byte, string) (string, error) {
	return f.text, f.err
}

func testConfig() Config {
	return Config{ExtraSiteStars: 50, ExtraUpdatesStars: 25, ExtraUpdatesCount: 20}
}

func newTestHandler(engine *fakeEngine, tr *fakeTranscriber) (*Handler, *fakeTelegram, *fakeLedger) {
	tg := &fakeTelegram{files: map[string][]byte{"big": []byte("jpeg"), "voice": []byte("ogg")}}
	ledger := &fakeLedger{}
	var transcriber speech.Transcriber
	if tr != nil {
		transcriber = tr
	}
	h := New(tg, engine, ledger, transcriber, testConfig(), zerolog.Nop())
	h.now = func() time.Time { return time.Unix(1700000000, 0) }
	return h, tg, ledger
}

func textUpdate(id int64, text string) *telegram.Update {
	return &telegram.Update{UpdateID: id, Message: &telegram.Message{Chat: telegram.Chat{ID: 42}, Text: text}}
}

func TestHandleUpdate_TextDeploys(t *testing.T) {
	engine := &fakeEngine{outcome: &chat.Outcome{Reply: "Here it is <3", Deployed: true, DeployURL: "https://s.vercel.app"}}
	h, tg, _ := newTestHandler(engine, nil)

	h.HandleUpdate(context.Background(), textUpdate(1, "build me a bakery site"))

	require.Len(t, engine.turns, 1)
	assert.Equal(t, "42", engine.turns[0].Key)
	assert.Equal(t, chat.ChannelTelegram, engine.turns[0].Channel)
	require.Len(t, tg.messages, 2)
	assert.Equal(t, msgBuilding, tg.messages[0])
	assert.Contains(t, tg.messages[1], "Here it is &lt;3\n\n✅ <b>Your website is live!</b>")
	assert.Contains(t, tg.messages[1], "https://s.vercel.app")
	assert.GreaterOrEqual(t, tg.actions, 2)
}

func TestHandleUpdate_PlainReply(t *testing.T) {
	engine := &fakeEngine{outcome: &chat.Outcome{Reply: "What colors do you like?"}}
	h, tg, _ := newTestHandler(engine, nil)

	h.HandleUpdate(context.Background(), textUpdate(1, "hi"))
	assert.Equal(t, []string{"What colors do you like?"}, tg.messages)
}

func TestHandleUpdate_DuplicateDropped(t *testing.T) {
	engine := &fakeEngine{outcome: &chat.Outcome{Reply: "ok"}}
	h, _, _ := newTestHandler(engine, nil)

	h.HandleUpdate(context.Background(), textUpdate(7, "hi"))
	h.HandleUpdate(context.Background(), textUpdate(7, "hi"))
	assert.Len(t, engine.turns, 1)
}

func TestHandleUpdate_Commands(t *testing.T) {
	engine := &fakeEngine{
		outcome: &chat.Outcome{},
		status: &chat.Status{
			Project: &project.State{DeployURL: "https://s.vercel.app", DeployCount: 3},
			Usage:   &usage.Usage{SitesCreated: 1},
			Limits:  usage.DefaultLimits(),
		},
		pages: []project.PageContent{
			{Slug: "home", Title: "Home", IsHome: true},
			{Slug: "about", Title: "About & Team", Order: 1},
		},
		hasBlog: true,
	}
	h, tg, _ := newTestHandler(engine, nil)
	ctx := context.Background()

	h.HandleUpdate(ctx, textUpdate(1, "/start"))
	h.HandleUpdate(ctx, textUpdate(2, "/new"))
	h.HandleUpdate(ctx, textUpdate(3, "/status@chat2site_bot"))
	h.HandleUpdate(ctx, textUpdate(4, "/pages"))
	h.HandleUpdate(ctx, textUpdate(5, "/blog"))

	assert.Empty(t, engine.turns, "commands bypass the model")
	assert.Equal(t, 1, engine.resets)
	require.Len(t, tg.messages, 5)
	assert.Equal(t, msgWelcome, tg.messages[0])
	assert.Equal(t, msgFreshStart, tg.messages[1])
	assert.Contains(t, tg.messages[2], "Updates used: 3/20")
	assert.Contains(t, tg.messages[2], "Sites created: 1/1")
	assert.Contains(t, tg.messages[3], "1. Home <code>/</code>")
	assert.Contains(t, tg.messages[3], "2. About &amp; Team <code>/about</code>")
	assert.Contains(t, tg.messages[4], "Your blog is empty")
}

func TestHandleUpdate_BuySendsBothInvoices(t *testing.T) {
	h, tg, _ := newTestHandler(&fakeEngine{outcome: &chat.Outcome{}}, nil)
	h.HandleUpdate(context.Background(), textUpdate(1, "/buy"))

	require.Len(t, tg.invoices, 2)
	assert.Equal(t, PayloadExtraSite, tg.invoices[0].Payload)
	assert.Equal(t, int64(50), tg.invoices[0].Prices[0].Amount)
	assert.Equal(t, PayloadExtraUpdates, tg.invoices[1].Payload)
	assert.Equal(t, int64(25), tg.invoices[1].Prices[0].Amount)
}

func TestHandleUpdate_BlockedSendsInvoice(t *testing.T) {
	engine := &fakeEngine{outcome: &chat.Outcome{Blocked: chat.BlockedUpdate}}
	h, tg, _ := newTestHandler(engine, nil)

	h.HandleUpdate(context.Background(), textUpdate(1, "change the color"))
	require.Len(t, tg.invoices, 1)
	assert.Equal(t, PayloadExtraUpdates, tg.invoices[0].Payload)
	assert.Contains(t, tg.messages[0], "update limit")
}

func TestHandleUpdate_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"generic", perrors.ErrUnavailable, msgGenericError},
		{"deploy failure", &perrors.DeploymentError{Stage: "build", State: "ERROR"}, msgDeployFailed},
		{"deploy timeout", &perrors.DeploymentTimeout{DeploymentID: "d"}, msgDeployTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, tg, _ := newTestHandler(&fakeEngine{err: tt.err}, nil)
			h.HandleUpdate(context.Background(), textUpdate(1, "hi"))
			assert.Equal(t, []string{tt.want}, tg.messages)
		})
	}
}

func TestHandleUpdate_PreCheckoutApproved(t *testing.T) {
	h, tg, _ := newTestHandler(&fakeEngine{}, nil)
	h.HandleUpdate(context.Background(), &telegram.Update{UpdateID: 1, PreCheckoutQuery: &telegram.PreCheckoutQuery{ID: "q1", InvoicePayload: PayloadExtraSite}})
	assert.Equal(t, []string{"q1"}, tg.answered)
}

func TestHandleUpdate_SuccessfulPayment(t *testing.T) {
	h, tg, ledger := newTestHandler(&fakeEngine{}, nil)
	ctx := context.Background()

	pay := func(id int64, payload, charge string) *telegram.Update {
		return &telegram.Update{UpdateID: id, Message: &telegram.Message{
			Chat:              telegram.Chat{ID: 42},
			SuccessfulPayment: &telegram.SuccessfulPayment{Currency: "XTR", InvoicePayload: payload, TelegramPaymentChargeID: charge},
		}}
	}
	h.HandleUpdate(ctx, pay(1, PayloadExtraSite, "ch_1"))
	h.HandleUpdate(ctx, pay(2, PayloadExtraUpdates, "ch_2"))
	h.HandleUpdate(ctx, pay(3, "mystery", "ch_3"))

	assert.Equal(t, []string{"ch_1"}, ledger.sites)
	assert.Equal(t, 20, ledger.updates["ch_2"])
	require.Len(t, tg.messages, 2)
	assert.Contains(t, tg.messages[1], "20 more updates")
}

func TestHandleUpdate_PhotoWithCaption(t *testing.T) {
	engine := &fakeEngine{outcome: &chat.Outcome{Reply: "Added it"}}
	h, tg, _ := newTestHandler(engine, nil)

	h.HandleUpdate(context.Background(), &telegram.Update{UpdateID: 1, Message: &telegram.Message{
		Chat:    telegram.Chat{ID: 42},
		Caption: "use this as the hero image",
		Photo: []telegram.PhotoSize{
			{FileID: "small", FileUniqueID: "s1", Width: 90, Height: 90},
			{FileID: "big", FileUniqueID: "AQAD-b1", Width: 1280, Height: 960},
		},
	}})

	assert.Equal(t, []byte("jpeg"), engine.images["photo-1700000000-AQADb1.jpg"])
	require.Len(t, engine.turns, 1)
	assert.Equal(t, "use this as the hero image", engine.turns[0].Text)
	assert.Equal(t, []string{"Added it"}, tg.messages)
}

func TestHandleUpdate_PhotoWithoutCaption(t *testing.T) {
	engine := &fakeEngine{outcome: &chat.Outcome{}}
	h, tg, _ := newTestHandler(engine, nil)

	h.HandleUpdate(context.Background(), &telegram.Update{UpdateID: 1, Message: &telegram.Message{
		Chat:  telegram.Chat{ID: 42},
		Photo: []telegram.PhotoSize{{FileID: "big", FileUniqueID: "x", Width: 10, Height: 10}},
	}})
	assert.Empty(t, engine.turns)
	require.Len(t, tg.messages, 1)
	assert.Contains(t, tg.messages[0], "/images/photo-1700000000-x.jpg")
}

func TestHandleUpdate_Voice(t *testing.T) {
	voice := &telegram.Update{UpdateID: 1, Message: &telegram.Message{
		Chat:  telegram.Chat{ID: 42},
		Voice: &telegram.Voice{FileID: "voice", MimeType: "audio/ogg"},
	}}

	t.Run("disabled", func(t *testing.T) {
		engine := &fakeEngine{outcome: &chat.Outcome{}}
		h, tg, _ := newTestHandler(engine, nil)
		h.HandleUpdate(context.Background(), voice)
		assert.Equal(t, []string{msgVoiceDisabled}, tg.messages)
		assert.Empty(t, engine.turns)
	})

	t.Run("transcribed", func(t *testing.T) {
		engine := &fakeEngine{outcome: &chat.Outcome{Reply: "Sure"}}
		h, tg, _ := newTestHandler(engine, &fakeTranscriber{text: "make it blue"})
		h.HandleUpdate(context.Background(), voice)
		require.Len(t, engine.turns, 1)
		assert.Equal(t, "make it blue", engine.turns[0].Text)
		assert.Equal(t, []string{"🎤 <i>make it blue</i>", "Sure"}, tg.messages)
	})

	t.Run("silence", func(t *testing.T) {
		engine := &fakeEngine{outcome: &chat.Outcome{}}
		h, tg, _ := newTestHandler(engine, &fakeTranscriber{err: perrors.ErrInvalidInput})
		h.HandleUpdate(context.Background(), voice)
		assert.Equal(t, []string{msgNoSpeech}, tg.messages)
	})
}

func TestSeenSet(t *testing.T) {
	s := newSeenSet(2)
	assert.True(t, s.Add(1))
	assert.True(t, s.Add(2))
	assert.False(t, s.Add(1))
	assert.True(t, s.Add(3)) // evicts 2, the least recently seen
	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Add(2))
	assert.False(t, s.Add(3))
}

func TestCommand(t *testing.T) {
	cmd, ok := command("/Status@bot extra")
	assert.True(t, ok)
	assert.Equal(t, "/status", cmd)
	_, ok = command("hello /status")
	assert.False(t, ok)
}
