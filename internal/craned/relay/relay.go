// Package relay implements the I/O Relay Client: the supervisor-embedded
// state machine that forwards an interactive job's stdio over a long-lived
// websocket to an external relay endpoint. See §4.6.
package relay

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

// State names the client's position in the Registering -> WaitRegisterAck
// -> Forwarding -> Unregistering -> End machine.
type State int

const (
	StateRegistering State = iota
	StateWaitRegisterAck
	StateForwarding
	StateUnregistering
	StateEnd
)

// FrameType tags a relay-stream message.
type FrameType string

const (
	FrameSupervisorRegister   FrameType = "SUPERVISOR_REGISTER"
	FrameTaskOutput           FrameType = "TASK_OUTPUT"
	FrameSupervisorUnregister FrameType = "SUPERVISOR_UNREGISTER"
	FrameTaskInput            FrameType = "SUPERVISOR_TASK_INPUT"
	FrameUnregisterReply      FrameType = "SUPERVISOR_UNREGISTER_REPLY"
	FrameRegisterAck          FrameType = "SUPERVISOR_REGISTER_ACK"
)

// Frame is the JSON message exchanged over the relay websocket.
type Frame struct {
	Type  FrameType `json:"type"`
	Token string    `json:"token,omitempty"`
	Data  []byte    `json:"data,omitempty"`
	Last  bool      `json:"last,omitempty"`
}

const readChunk = 4096

// registrationClaims is the short-lived service-to-service credential
// presented in SUPERVISOR_REGISTER, scoped to the relay channel.
type registrationClaims struct {
	CranedId string `json:"craned_id"`
	JobId    uint32 `json:"job_id"`
	StepId   uint32 `json:"step_id"`
	jwt.RegisteredClaims
}

// Client drives one job's relay connection for the lifetime of its task.
type Client struct {
	endpoint string
	secret   []byte
	cranedID string
	jobID    uint32
	stepID   uint32

	stdinW  io.Writer // written from the relay into the child's stdin
	stdoutR io.Reader // read from the child's stdout/stderr

	mu    sync.Mutex
	state State
}

// New constructs a relay Client. endpoint is a ws:// or wss:// URL.
func New(endpoint, cranedID string, jobID, stepID uint32, secret []byte, stdinW io.Writer, stdoutR io.Reader) *Client {
	return &Client{endpoint: endpoint, secret: secret, cranedID: cranedID, jobID: jobID, stepID: stepID, stdinW: stdinW, stdoutR: stdoutR, state: StateRegistering}
}

// Run drives the client through its full state machine until ctx is
// cancelled or the child's output stream signals end-of-file.
func (c *Client) Run(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()

	if err := c.register(conn); err != nil {
		return err
	}
	c.setState(StateWaitRegisterAck)
	if err := c.waitAck(conn); err != nil {
		return err
	}
	c.setState(StateForwarding)

	outputDone := make(chan struct{})
	writeMu := &sync.Mutex{}

	go c.pumpOutput(conn, writeMu, outputDone)
	inboundErr := c.pumpInbound(ctx, conn)

	<-outputDone
	c.setState(StateUnregistering)
	writeMu.Lock()
	err = conn.WriteJSON(Frame{Type: FrameSupervisorUnregister, Last: true})
	writeMu.Unlock()
	if err != nil {
		c.setState(StateEnd)
		return fmt.Errorf("send unregister: %w", err)
	}
	_, _, _ = conn.ReadMessage() // best effort: drain the unregister reply

	c.setState(StateEnd)
	return inboundErr
}

func (c *Client) register(conn *websocket.Conn) error {
	claims := registrationClaims{
		CranedId: c.cranedID,
		JobId:    c.jobID,
		StepId:   c.stepID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return fmt.Errorf("sign registration token: %w", err)
	}
	return conn.WriteJSON(Frame{Type: FrameSupervisorRegister, Token: signed})
}

func (c *Client) waitAck(conn *websocket.Conn) error {
	var frame Frame
	if err := conn.ReadJSON(&frame); err != nil {
		return fmt.Errorf("read register ack: %w", err)
	}
	if frame.Type != FrameRegisterAck {
		return fmt.Errorf("unexpected frame while waiting for ack: %s", frame.Type)
	}
	return nil
}

// pumpOutput drains the child's stdout/stderr fd up to readChunk bytes at a
// time and forwards each chunk as a TASK_OUTPUT frame. Writes are
// serialized against pumpInbound's unregister-reply write via writeMu.
func (c *Client) pumpOutput(conn *websocket.Conn, writeMu *sync.Mutex, done chan<- struct{}) {
	defer close(done)
	buf := make([]byte, readChunk)
	for {
		n, err := c.stdoutR.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			writeMu.Lock()
			werr := conn.WriteJSON(Frame{Type: FrameTaskOutput, Data: chunk})
			writeMu.Unlock()
			if werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// pumpInbound dispatches each TASK_INPUT frame to the child's stdin until
// the connection closes or ctx is cancelled.
func (c *Client) pumpInbound(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return nil // peer closed; treated as a clean end of forwarding
		}
		if frame.Type != FrameTaskInput {
			continue
		}
		if _, err := c.stdinW.Write(frame.Data); err != nil {
			return fmt.Errorf("write task input: %w", err)
		}
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State returns the client's current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
