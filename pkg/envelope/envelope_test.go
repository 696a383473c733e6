package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAuthorizationWireFormat(t *testing.T) {
	data, err := NewAuthorization("bearer-abc").Marshal()
	require.NoError(t, err)

	assert.JSONEq(t, `{"type":"AUTHORIZATION","payload":{"token":"bearer-abc"}}`, string(data))
}

func TestMarshalOmitsEmptyIgnoreList(t *testing.T) {
	env, err := New(TypeMessage, &ChatMessage{ConversationID: "c1", Body: "hi"})
	require.NoError(t, err)

	data, err := env.Marshal()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "ignore_user_onlines")

	data, err = env.Excluding("online-1", "online-2").Marshal()
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"type":"MESSAGE","payload":{"conversation_id":"c1","body":"hi"},"ignore_user_onlines":["online-1","online-2"]}`,
		string(data),
	)

	assert.Empty(t, env.IgnoreUserOnlines, "Excluding must not mutate the receiver")
}

func TestMarshalNilPayload(t *testing.T) {
	data, err := (&Envelope{Type: "PING"}).Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"PING","payload":null}`, string(data))
}

func TestMarshalRequiresType(t *testing.T) {
	_, err := (&Envelope{Payload: json.RawMessage(`{}`)}).Marshal()
	assert.ErrorIs(t, err, ErrMissingType)

	_, err = New("", nil)
	assert.ErrorIs(t, err, ErrMissingType)
}

func TestNewRejectsUnmarshalablePayload(t *testing.T) {
	_, err := New(TypeMessage, map[string]any{"bad": make(chan int)})
	assert.Error(t, err)
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		wantErr bool
		want    Type
	}{
		{name: "message", frame: `{"type":"MESSAGE","payload":{"conversation_id":"c1","body":"hi"}}`, want: TypeMessage},
		{name: "unknown type passes", frame: `{"type":"TYPING","payload":{"user":"u1"}}`, want: "TYPING"},
		{name: "not json", frame: `hello`, wantErr: true},
		{name: "json array", frame: `[1,2,3]`, wantErr: true},
		{name: "missing type", frame: `{"payload":{}}`, wantErr: true},
		{name: "empty", frame: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Parse([]byte(tt.frame))
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, env)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, env.Type)
		})
	}
}

func TestDecodeMessage(t *testing.T) {
	env, err := Parse([]byte(`{"type":"MESSAGE","payload":{"conversation_id":"c1","body":"hi","user":{"user_id":"u1","full_name":"Ada"}}}`))
	require.NoError(t, err)

	p, err := env.Decode()
	require.NoError(t, err)

	msg, ok := p.(*ChatMessage)
	require.True(t, ok, "expected *ChatMessage, got %T", p)
	assert.Equal(t, "c1", msg.ConversationID)
	assert.Equal(t, "hi", msg.Body)
	require.NotNil(t, msg.User)
	assert.Equal(t, "Ada", msg.User.FullName)
	assert.Equal(t, TypeMessage, msg.EnvelopeType())
}

func TestDecodeLastMessageUpdate(t *testing.T) {
	env, err := Parse([]byte(`{"type":"UPDATE_LAST_MESSAGE","payload":{"conversation_id":"c9","last_message_id":"m2","last_message":{"message_id":"m2","conversation_id":"c9","body":"yo","is_read":false}}}`))
	require.NoError(t, err)

	p, err := env.Decode()
	require.NoError(t, err)

	upd, ok := p.(*LastMessageUpdate)
	require.True(t, ok, "expected *LastMessageUpdate, got %T", p)
	assert.Equal(t, "c9", upd.ConversationID)
	require.NotNil(t, upd.LastMessage)
	assert.Equal(t, "yo", upd.LastMessage.Body)
}

func TestDecodeAuthorization(t *testing.T) {
	p, err := NewAuthorization("tok").Decode()
	require.NoError(t, err)

	authz, ok := p.(*Authorization)
	require.True(t, ok)
	assert.Equal(t, "tok", authz.Token)
}

func TestDecodeUnknownPassesRaw(t *testing.T) {
	env, err := Parse([]byte(`{"type":"TYPING","payload":{"user":"u1"}}`))
	require.NoError(t, err)

	p, err := env.Decode()
	require.NoError(t, err)

	unknown, ok := p.(*Unknown)
	require.True(t, ok)
	assert.Equal(t, Type("TYPING"), unknown.EnvelopeType())
	assert.JSONEq(t, `{"user":"u1"}`, string(unknown.Raw))
}

func TestDecodeShapeMismatch(t *testing.T) {
	env, err := Parse([]byte(`{"type":"MESSAGE","payload":"just a string"}`))
	require.NoError(t, err)

	_, err = env.Decode()
	assert.Error(t, err)
}
