package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/gradualhq/gradual/internal/plan"
	"github.com/gradualhq/gradual/internal/wsclient"
)

type websocketDispatcher struct {
	handshakeTimeout time.Duration
}

// Execute runs one connection lifecycle: dial, optionally send the
// definition's body as a text message, optionally read one frame back when
// the definition carries a response check, close. The outcome classifies on
// the handshake; a refused or failed upgrade is the failure mode.
func (d *websocketDispatcher) Execute(ctx context.Context, def *plan.RequestDefinition) Outcome {
	headers, err := buildWSHeaders(ctx, def)
	if err != nil {
		return Outcome{Err: err}
	}

	client := wsclient.New(wsclient.Config{
		URL:              def.URL,
		Headers:          headers,
		HandshakeTimeout: d.handshakeTimeout,
	})

	if err := client.Connect(ctx); err != nil {
		return Outcome{Err: err}
	}
	defer client.Close()

	if def.Body != "" {
		if err := client.Send(wsclient.Message{Type: websocket.TextMessage, Data: []byte(def.Body)}); err != nil {
			return Outcome{Err: err}
		}
	}

	if def.Check != nil {
		msg, err := client.Receive(d.readTimeout())
		if err != nil {
			return Outcome{Err: fmt.Errorf("read reply: %w", err)}
		}
		got := gjson.GetBytes(msg.Data, def.Check.Path).String()
		if got != def.Check.Equals {
			return Outcome{Err: &CheckError{Path: def.Check.Path, Want: def.Check.Equals, Got: got}}
		}
	}

	return Outcome{}
}

// readTimeout bounds the reply read for checked definitions. The handshake
// timeout doubles as the read bound so one knob covers both waits.
func (d *websocketDispatcher) readTimeout() time.Duration {
	if d.handshakeTimeout > 0 {
		return d.handshakeTimeout
	}
	return 30 * time.Second
}

// buildWSHeaders assembles dial headers from the definition, routing the
// credential through a throwaway HTTP request so basic and bearer providers
// both work unchanged.
func buildWSHeaders(ctx context.Context, def *plan.RequestDefinition) (http.Header, error) {
	headers := http.Header{}
	for k, v := range def.Headers {
		headers.Set(k, v)
	}
	if def.Credential == nil {
		return headers, nil
	}

	carrier, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://credential-carrier", nil)
	if err != nil {
		return nil, err
	}
	carrier.Header = headers
	if err := def.Credential.InjectHeader(ctx, carrier); err != nil {
		return nil, err
	}
	return carrier.Header, nil
}
