package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/jhump/protoreflect/dynamic"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/funvibe/conductor/internal/vm"
)

// Status is a snapshot of the remote VM and debugger.
type Status struct {
	Debugger  bool
	Stopped   bool
	Reason    string
	File      string
	Line      int
	Function  string
	Stops     int
	Suspended int
	Queued    int
	Contexts  []ContextInfo
}

// ContextInfo describes one live context of the remote VM.
type ContextInfo struct {
	ID      string
	Seq     int
	State   string
	Pending int
}

// CallReply is the outcome of a remote call.
type CallReply struct {
	State string
	Value string
	Error string
}

// Client talks to a control service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the service at target. Without options the connection
// is insecure.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, name string, req fields) (*dynamic.Message, error) {
	md, err := method(name)
	if err != nil {
		return nil, err
	}
	in, err := build(md.GetInputType(), req)
	if err != nil {
		return nil, err
	}
	out := dynamic.NewMessage(md.GetOutputType())
	if err := c.conn.Invoke(ctx, fullMethod(md), in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func ack(msg *dynamic.Message) error {
	if !getBool(msg, "ok") {
		return fmt.Errorf("rejected: %s", getString(msg, "message"))
	}
	return nil
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	msg, err := c.invoke(ctx, "GetStatus", nil)
	if err != nil {
		return nil, err
	}
	st := &Status{
		Debugger:  getBool(msg, "debugger"),
		Stopped:   getBool(msg, "stopped"),
		Reason:    getString(msg, "reason"),
		File:      getString(msg, "file"),
		Line:      getInt(msg, "line"),
		Function:  getString(msg, "function"),
		Stops:     getInt(msg, "stops"),
		Suspended: getInt(msg, "suspended"),
		Queued:    getInt(msg, "queued"),
	}
	for _, m := range getMessages(msg, "contexts") {
		st.Contexts = append(st.Contexts, ContextInfo{
			ID:      getString(m, "id"),
			Seq:     getInt(m, "seq"),
			State:   getString(m, "state"),
			Pending: getInt(m, "pending"),
		})
	}
	return st, nil
}

func breakPointOf(m *dynamic.Message) vm.BreakPoint {
	return vm.BreakPoint{
		ID:              getInt(m, "id"),
		File:            getString(m, "file"),
		Line:            getInt(m, "line"),
		Function:        getString(m, "function"),
		FunctionPending: getBool(m, "pending"),
	}
}

func (c *Client) BreakPoints(ctx context.Context) ([]vm.BreakPoint, error) {
	msg, err := c.invoke(ctx, "ListBreakPoints", nil)
	if err != nil {
		return nil, err
	}
	var out []vm.BreakPoint
	for _, m := range getMessages(msg, "breakpoints") {
		out = append(out, breakPointOf(m))
	}
	return out, nil
}

func (c *Client) AddBreakPoint(ctx context.Context, file string, line int) (vm.BreakPoint, error) {
	msg, err := c.invoke(ctx, "AddBreakPoint", fields{"file": file, "line": line})
	if err != nil {
		return vm.BreakPoint{}, err
	}
	return breakPointOf(msg), nil
}

func (c *Client) AddFunctionBreakPoint(ctx context.Context, name string) (vm.BreakPoint, error) {
	msg, err := c.invoke(ctx, "AddBreakPoint", fields{"function": name})
	if err != nil {
		return vm.BreakPoint{}, err
	}
	return breakPointOf(msg), nil
}

func (c *Client) RemoveBreakPoint(ctx context.Context, id int) error {
	msg, err := c.invoke(ctx, "RemoveBreakPoint", fields{"id": id})
	if err != nil {
		return err
	}
	return ack(msg)
}

func (c *Client) RemoveAllBreakPoints(ctx context.Context) error {
	msg, err := c.invoke(ctx, "RemoveBreakPoint", fields{"all": true})
	if err != nil {
		return err
	}
	return ack(msg)
}

// SetAction resumes a stopped context with a, or sets the stepping policy
// when nothing is stopped.
func (c *Client) SetAction(ctx context.Context, a vm.Action) error {
	wire := -1
	for k, v := range actions {
		if v == a {
			wire = k
		}
	}
	if wire < 0 {
		return fmt.Errorf("%w: action %s cannot be sent remotely", vm.ErrInvalidArg, a)
	}
	msg, err := c.invoke(ctx, "SetAction", fields{"action": wire})
	if err != nil {
		return err
	}
	return ack(msg)
}

func (c *Client) Interrupt(ctx context.Context) error {
	msg, err := c.invoke(ctx, "Interrupt", nil)
	if err != nil {
		return err
	}
	return ack(msg)
}

// Call runs the named function remotely with string arguments.
func (c *Client) Call(ctx context.Context, function string, args ...string) (CallReply, error) {
	req := fields{"function": function}
	if len(args) > 0 {
		list := make([]interface{}, len(args))
		for i, a := range args {
			list[i] = a
		}
		req["args"] = list
	}
	if dl, ok := ctx.Deadline(); ok {
		if ms := time.Until(dl).Milliseconds(); ms > 0 {
			req["timeout_ms"] = ms
		}
	}
	msg, err := c.invoke(ctx, "Call", req)
	if err != nil {
		return CallReply{}, err
	}
	return CallReply{
		State: getString(msg, "state"),
		Value: getString(msg, "value"),
		Error: getString(msg, "error"),
	}, nil
}
