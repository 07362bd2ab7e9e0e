package types

import (
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReservedAndPrivilegedMethods(t *testing.T) {
	for _, m := range []Method{MethodResponse, MethodResponseUpdate, MethodQueryUpdate} {
		assert.True(t, m.IsReserved(), m)
		assert.True(t, m.IsPrivileged(), m)
	}
	assert.True(t, MethodPresentSeed.IsPrivileged())
	assert.True(t, MethodReady.IsPrivileged())
	assert.False(t, MethodPresentSeed.IsReserved())
	assert.False(t, MethodNoOp.IsPrivileged())
	assert.False(t, Method("secureUpload").IsPrivileged())
}

func TestEnvelopeValidate(t *testing.T) {
	assert.ErrorIs(t, Envelope{Nonce: "1"}.Validate(true), ErrMissingMethod)
	assert.ErrorIs(t, Envelope{Method: "m"}.Validate(true), ErrMissingNonce)
	assert.NoError(t, Envelope{Method: "m"}.Validate(false))
	assert.NoError(t, Envelope{Nonce: "1", Method: "m"}.Validate(true))
}

func TestEnvelopeReplies(t *testing.T) {
	q := Envelope{Nonce: "n", Method: "m", Data: "in", Domain: "d"}

	ok := q.Respond("out")
	assert.Equal(t, Envelope{Nonce: "n", Method: MethodResponse, Data: "out"}, ok)
	assert.True(t, ok.IsTerminal())
	assert.False(t, ok.Failed())

	fail := q.RespondErr("")
	assert.Equal(t, "unknown error", fail.Err)
	assert.Nil(t, fail.Data)
	assert.True(t, fail.Failed())

	up := q.Update(0.5)
	assert.Equal(t, MethodResponseUpdate, up.Method)
	assert.False(t, up.IsTerminal())
}

func TestEnvelopeWireErr(t *testing.T) {
	q := Envelope{Nonce: "n1", Method: "secureUpload"}

	raw, err := sonic.Marshal(q.Respond(map[string]any{"skylink": "x"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"nonce":"n1","method":"response","data":{"skylink":"x"},"err":null}`, string(raw))

	raw, err = sonic.Marshal(q.RespondErr("boom"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"nonce":"n1","method":"response","data":null,"err":"boom"}`, string(raw))

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"null", `{"nonce":"n1","method":"response","data":1,"err":null}`, ""},
		{"missing", `{"nonce":"n1","method":"response","data":1}`, ""},
		{"message", `{"nonce":"n1","method":"response","err":"boom"}`, "boom"},
		{"empty", `{"nonce":"n1","method":"response","err":""}`, "unknown error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var env Envelope
			require.NoError(t, sonic.Unmarshal([]byte(tt.in), &env))
			assert.Equal(t, Nonce("n1"), env.Nonce)
			assert.Equal(t, tt.want, env.Err)
		})
	}
}

func TestModuleIDValidate(t *testing.T) {
	tests := []struct {
		id    ModuleID
		valid bool
	}{
		{"AQBG8n_sgEM_nlEp3G0w3vLjmdvSZ46ln8ZXHn-eObZNjA", true},
		{"secure-upload_1", true},
		{"", false},
		{"has space", false},
		{"slash/es", false},
		{ModuleID(strings.Repeat("a", MaxModuleIDLength+1)), false},
	}
	for _, tt := range tests {
		err := tt.id.Validate()
		if tt.valid {
			assert.NoError(t, err, tt.id)
		} else {
			assert.ErrorIs(t, err, ErrInvalidModuleID, tt.id)
		}
	}
}
