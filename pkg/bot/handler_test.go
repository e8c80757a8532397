package bot

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"namecard/pkg/annotate"
	"namecard/pkg/identity"
	"namecard/pkg/llm"
	"namecard/pkg/persona"
)

const botID = "999"

// MockSession implements Session for testing
type MockSession struct {
	SentMessages []string
	Replies      []string
	TypingCalls  int
	ChannelType  discordgo.ChannelType
	Responses    []*discordgo.InteractionResponse
}

func (m *MockSession) ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.SentMessages = append(m.SentMessages, content)
	return &discordgo.Message{ID: "mock_msg_id", ChannelID: channelID, Content: content}, nil
}

func (m *MockSession) ChannelMessageSendReply(channelID string, content string, reference *discordgo.MessageReference, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.SentMessages = append(m.SentMessages, content)
	m.Replies = append(m.Replies, content)
	return &discordgo.Message{ID: "mock_msg_id", ChannelID: channelID, Content: content}, nil
}

func (m *MockSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.SentMessages = append(m.SentMessages, data.Content)
	return &discordgo.Message{ID: "mock_msg_id", ChannelID: channelID, Content: data.Content}, nil
}

func (m *MockSession) ChannelTyping(channelID string, options ...discordgo.RequestOption) error {
	m.TypingCalls++
	return nil
}

func (m *MockSession) Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	channelType := m.ChannelType
	if channelType == 0 {
		channelType = discordgo.ChannelTypeGuildText
	}
	return &discordgo.Channel{ID: channelID, Type: channelType}, nil
}

func (m *MockSession) InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error {
	m.Responses = append(m.Responses, resp)
	return nil
}

func (m *MockSession) lastResponse(t *testing.T) string {
	t.Helper()
	require.NotEmpty(t, m.Responses)
	return m.Responses[len(m.Responses)-1].Data.Content
}

type mockCompleter struct {
	mock.Mock
}

func (m *mockCompleter) Complete(ctx context.Context, messages []llm.Message) (string, error) {
	args := m.Called(ctx, messages)
	return args.String(0), args.Error(1)
}

type nopSaver struct{}

func (nopSaver) Save(context.Context, identity.Snapshot) error { return nil }

func newTestHandler(t *testing.T, completer Completer, platform *PlatformLookup, opts Options) *Handler {
	t.Helper()
	svc, err := persona.New(persona.Options{
		Cache:      identity.NewCache(5, nil),
		Saver:      nopSaver{},
		Annotation: annotate.DefaultConfig(),
		Enable:     true,
		AutoDetect: true,
		ExpiryDays: 30,
	})
	require.NoError(t, err)
	h := NewHandler(svc, completer, platform, opts)
	h.SetBotUser(botID, "Namecard")
	return h
}

func user(id, name string) *discordgo.User {
	return &discordgo.User{ID: id, Username: name}
}

func guildMessage(author *discordgo.User, content string, mentions ...*discordgo.User) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m1",
		ChannelID: "c1",
		GuildID:   "g1",
		Author:    author,
		Content:   content,
		Mentions:  mentions,
	}}
}

func TestHandler_LearnsWithoutReplying(t *testing.T) {
	completer := new(mockCompleter)
	h := newTestHandler(t, completer, nil, Options{})
	session := &MockSession{}

	h.HandleMessage(session, guildMessage(user("1", "samuel"), "call me Sam"))
	h.HandleMessage(session, guildMessage(user("2", "kim"), "<@3> 老王", user("3", "wang")))

	rec, ok := h.persona.Describe("1")
	require.True(t, ok)
	best, _ := rec.BestAddress()
	assert.Equal(t, "Sam", best)

	rec, ok = h.persona.Describe("3")
	require.True(t, ok)
	best, _ = rec.BestAddress()
	assert.Equal(t, "老王", best)

	assert.Empty(t, session.SentMessages)
	completer.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func TestHandler_ReplyCarriesAnnotation(t *testing.T) {
	tests := []struct {
		name         string
		systemPrompt bool
	}{
		{"in user content", false},
		{"in system prompt", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			completer := new(mockCompleter)
			var sent []llm.Message
			completer.On("Complete", mock.Anything, mock.Anything).
				Run(func(args mock.Arguments) { sent = args.Get(1).([]llm.Message) }).
				Return("hey Sam!", nil).Once()

			h := newTestHandler(t, completer, nil, Options{AnnotateSystemPrompt: tt.systemPrompt})
			session := &MockSession{}

			h.HandleMessage(session, guildMessage(user("1", "samuel"), "<@999> call me Sam", user(botID, "Namecard")))

			completer.AssertExpectations(t)
			require.Len(t, sent, 2)
			line := "[User info: samuel(Sam), gender unknown]"

			assert.Contains(t, sent[0].Content, "You are Namecard")
			assert.Contains(t, sent[0].Content, "talking to samuel")
			if tt.systemPrompt {
				assert.Contains(t, sent[0].Content, line)
				assert.Equal(t, "call me Sam", sent[1].Content)
			} else {
				assert.NotContains(t, sent[0].Content, line)
				assert.Equal(t, line+"\n\ncall me Sam", sent[1].Content)
			}

			assert.Equal(t, []string{"hey Sam!"}, session.Replies)
			assert.Equal(t, 1, session.TypingCalls)
		})
	}
}

func TestHandler_MentionedUsersAnnotatedInTextOrder(t *testing.T) {
	completer := new(mockCompleter)
	var sent []llm.Message
	completer.On("Complete", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { sent = args.Get(1).([]llm.Message) }).
		Return("ok", nil)

	h := newTestHandler(t, completer, nil, Options{})
	session := &MockSession{}

	// Mentions arrive out of text order and include the author.
	h.HandleMessage(session, guildMessage(user("1", "samuel"), "<@999> what do <@3> and <@2> think, <@1>?",
		user("2", "kim"), user("1", "samuel"), user(botID, "Namecard"), user("3", "wang")))

	require.Len(t, sent, 2)
	lines := strings.Split(strings.SplitN(sent[1].Content, "\n\n", 2)[0], "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "[User info: samuel("))
	assert.True(t, strings.HasPrefix(lines[1], "[User info: wang("))
	assert.True(t, strings.HasPrefix(lines[2], "[User info: kim("))
}

func TestHandler_UsersNamedInTextAreAnnotated(t *testing.T) {
	completer := new(mockCompleter)
	var sent []llm.Message
	completer.On("Complete", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { sent = args.Get(1).([]llm.Message) }).
		Return("ok", nil)

	h := newTestHandler(t, completer, nil, Options{})
	session := &MockSession{}

	h.HandleMessage(session, guildMessage(user("2", "kim"), "<@3> 老王", user("3", "wang")))
	h.HandleMessage(session, guildMessage(user("2", "kim"), "call me Kimmy"))
	h.HandleMessage(session, guildMessage(user("1", "samuel"), "<@999> what do Kimmy and 老王 think?",
		user(botID, "Namecard")))

	require.Len(t, sent, 2)
	lines := strings.Split(strings.SplitN(sent[1].Content, "\n\n", 2)[0], "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "[User info: samuel("))
	assert.Equal(t, "[User info: Kimmy(Kimmy), gender unknown]", lines[1])
	assert.Equal(t, "[User info: 老王(老王), gender unknown]", lines[2])
}

func TestHandler_DirectMessageReplies(t *testing.T) {
	completer := new(mockCompleter)
	completer.On("Complete", mock.Anything, mock.Anything).Return("hi", nil).Once()

	h := newTestHandler(t, completer, nil, Options{})
	session := &MockSession{ChannelType: discordgo.ChannelTypeDM}

	m := guildMessage(user("1", "samuel"), "hello")
	m.GuildID = ""
	h.HandleMessage(session, m)

	completer.AssertExpectations(t)
	assert.Equal(t, []string{"hi"}, session.SentMessages)
}

func TestHandler_IgnoresBots(t *testing.T) {
	completer := new(mockCompleter)
	h := newTestHandler(t, completer, nil, Options{})
	session := &MockSession{}

	other := user("5", "otherbot")
	other.Bot = true
	h.HandleMessage(session, guildMessage(other, "<@999> call me Robo", user(botID, "Namecard")))
	h.HandleMessage(session, guildMessage(user(botID, "Namecard"), "call me Self"))

	_, ok := h.persona.Describe("5")
	assert.False(t, ok)
	assert.Empty(t, session.SentMessages)
	completer.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything)
}

func TestHandler_CompletionFailureApologises(t *testing.T) {
	completer := new(mockCompleter)
	completer.On("Complete", mock.Anything, mock.Anything).Return("", errors.New("boom"))

	h := newTestHandler(t, completer, nil, Options{})
	session := &MockSession{}
	h.HandleMessage(session, guildMessage(user("1", "samuel"), "<@999> hi", user(botID, "Namecard")))

	require.Len(t, session.Replies, 1)
	assert.Contains(t, session.Replies[0], "sorry")
}

func TestHandler_PlatformGenderReachesAnnotation(t *testing.T) {
	members := newFakeMembers()
	members.member["1"] = []string{"r-she"}

	completer := new(mockCompleter)
	var sent []llm.Message
	completer.On("Complete", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { sent = args.Get(1).([]llm.Message) }).
		Return("ok", nil)

	platform := NewPlatformLookup(members, PlatformOptions{
		PronounRoles: map[string]string{"she/her": "female"},
		CacheTTL:     time.Minute,
	})
	h := newTestHandler(t, completer, platform, Options{})
	session := &MockSession{}

	m := guildMessage(user("1", "samuel"), "<@999> hi", user(botID, "Namecard"))
	m.Member = &discordgo.Member{Roles: []string{"r-she"}}
	h.HandleMessage(session, m)

	rec, ok := h.persona.Describe("1")
	require.True(t, ok)
	assert.Equal(t, identity.Female, rec.Gender)
	assert.Equal(t, identity.SourcePlatform, rec.GenderSource)
	require.Len(t, sent, 2)
	assert.Contains(t, sent[1].Content, "[User info: samuel(samuel), female]")
	assert.Equal(t, 0, members.memberCalls, "roles on the message avoid a member fetch")
}

func TestHandler_SendSplitMessage(t *testing.T) {
	h := newTestHandler(t, new(mockCompleter), nil, Options{})

	t.Run("paragraphs become messages", func(t *testing.T) {
		session := &MockSession{}
		ref := &discordgo.MessageReference{MessageID: "m1"}
		h.sendSplitMessage(session, "c1", "one\n\n\n\ntwo\n\nthree", ref)
		assert.Equal(t, []string{"one", "two", "three"}, session.SentMessages)
		assert.Equal(t, []string{"one"}, session.Replies)
	})

	t.Run("long parts are cut on rune boundaries", func(t *testing.T) {
		session := &MockSession{}
		h.sendSplitMessage(session, "c1", strings.Repeat("好", maxMessageLength+10), nil)
		require.Len(t, session.SentMessages, 1)
		assert.Equal(t, strings.Repeat("好", maxMessageLength), session.SentMessages[0])
	})
}

func TestHandler_StripBotMention(t *testing.T) {
	h := newTestHandler(t, new(mockCompleter), nil, Options{})
	assert.Equal(t, "hi there", h.stripBotMention("<@999> hi there"))
	assert.Equal(t, "hi", h.stripBotMention("hi <@!999>"))
}

func TestDisplayName(t *testing.T) {
	u := &discordgo.User{ID: "1", Username: "sam_1", GlobalName: "Sam"}
	assert.Equal(t, "Sammy", displayName(u, &discordgo.Member{Nick: "Sammy"}))
	assert.Equal(t, "Sam", displayName(u, &discordgo.Member{}))
	assert.Equal(t, "sam_1", displayName(&discordgo.User{Username: "sam_1"}, nil))
	assert.Equal(t, "", displayName(nil, nil))
}

func TestHandler_RunMaintenanceStops(t *testing.T) {
	h := newTestHandler(t, new(mockCompleter), nil, Options{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.RunMaintenance(ctx, time.Millisecond)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("maintenance loop did not stop")
	}
}
