package transport

import (
	"errors"
	"fmt"

	"github.com/GriffinCanCode/AgentOS/skykernel/internal/shared/types"
	"github.com/bytedance/sonic"
)

// ErrUncloneable is returned by Send when an envelope's data cannot cross a
// context boundary.
var ErrUncloneable = errors.New("envelope data could not be cloned")

// clone gives the receiving context its own copy of env.Data, in the same
// shape a socket peer would decode: objects become map[string]any, numbers
// float64 and byte slices base64 strings.
func clone(env types.Envelope) (types.Envelope, error) {
	if env.Data == nil {
		return env, nil
	}
	raw, err := sonic.Marshal(env.Data)
	if err != nil {
		return env, fmt.Errorf("%w: %w", ErrUncloneable, err)
	}
	var data any
	if err := sonic.Unmarshal(raw, &data); err != nil {
		return env, fmt.Errorf("%w: %w", ErrUncloneable, err)
	}
	env.Data = data
	return env, nil
}
