package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/dynamic"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/funvibe/conductor/internal/vm"
)

// DefaultCallTimeout bounds a Call request without its own timeout.
const DefaultCallTimeout = 30 * time.Second

type handlerFunc func(ctx context.Context, in *dynamic.Message) (fields, error)

// Server serves the control service for one VM. When the VM has a debugger
// attached, stops are held until a client sends an action.
type Server struct {
	vm       *vm.VM
	debugger *vm.Debugger
	grpc     *grpc.Server

	handlers map[string]handlerFunc
	resume   chan vm.Action
	done     chan struct{}
	stopOnce sync.Once
}

// NewServer creates a server for v. If d is not nil it becomes v's debugger
// and its stops are controlled by clients.
func NewServer(v *vm.VM, d *vm.Debugger, opts ...grpc.ServerOption) (*Server, error) {
	sd, err := Service()
	if err != nil {
		return nil, err
	}
	s := &Server{
		vm:       v,
		debugger: d,
		grpc:     grpc.NewServer(opts...),
		resume:   make(chan vm.Action, 1),
		done:     make(chan struct{}),
	}
	s.handlers = map[string]handlerFunc{
		"GetStatus":        s.getStatus,
		"ListBreakPoints":  s.listBreakPoints,
		"AddBreakPoint":    s.addBreakPoint,
		"RemoveBreakPoint": s.removeBreakPoint,
		"SetAction":        s.setAction,
		"Interrupt":        s.interrupt,
		"Call":             s.call,
	}
	s.register(sd)

	if d != nil {
		d.OnStop = s.onStop
		v.AttachDebugger(d)
	}
	return s, nil
}

func (s *Server) register(sd *desc.ServiceDescriptor) {
	gd := &grpc.ServiceDesc{
		ServiceName: sd.GetFullyQualifiedName(),
		HandlerType: (*interface{})(nil),
		Methods:     []grpc.MethodDesc{},
		Streams:     []grpc.StreamDesc{},
		Metadata:    sd.GetFile().GetName(),
	}
	for _, md := range sd.GetMethods() {
		md := md
		gd.Methods = append(gd.Methods, grpc.MethodDesc{
			MethodName: md.GetName(),
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				in := dynamic.NewMessage(md.GetInputType())
				if err := dec(in); err != nil {
					return nil, err
				}
				h := srv.(*Server)
				if interceptor == nil {
					return h.handle(ctx, md, in)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(md)}
				return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
					return h.handle(ctx, md, req.(*dynamic.Message))
				})
			},
		})
	}
	s.grpc.RegisterService(gd, s)
}

func (s *Server) handle(ctx context.Context, md *desc.MethodDescriptor, in *dynamic.Message) (interface{}, error) {
	h, ok := s.handlers[md.GetName()]
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "method %s not implemented", md.GetName())
	}
	out, err := h(ctx, in)
	if err != nil {
		log.Debugf("%s: %s", md.GetName(), err)
		return nil, err
	}
	msg, err := build(md.GetOutputType(), out)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "building %s reply: %s", md.GetName(), err)
	}
	return msg, nil
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	log.Infof("control service listening on %s", lis.Addr())
	err := s.grpc.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// ListenAndServe listens on the TCP address addr and serves.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(lis)
}

// Stop releases a held stop and shuts the server down.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.grpc.GracefulStop()
	})
}

// onStop holds the stopped context until a client picks an action.
func (s *Server) onStop(d *vm.Debugger, ev vm.StopEvent) {
	log.Infof("stopped at %s (%s) [%s]", vm.FormatLocation(ev.File, ev.Line), ev.Function, ev.Reason)
	select {
	case a := <-s.resume:
		d.SetAction(a)
	case <-s.done:
		d.SetAction(vm.ActionContinue)
	}
}

func (s *Server) needDebugger() error {
	if s.debugger == nil {
		return status.Error(codes.FailedPrecondition, "no debugger attached")
	}
	return nil
}

func (s *Server) getStatus(ctx context.Context, in *dynamic.Message) (fields, error) {
	out := fields{
		"suspended": s.vm.Suspended(),
		"queued":    s.vm.Loop().Len(),
		"debugger":  s.debugger != nil,
	}
	var contexts []interface{}
	for _, c := range s.vm.Contexts() {
		contexts = append(contexts, fields{
			"id":      c.ID.String(),
			"seq":     c.Seq(),
			"state":   c.State().String(),
			"pending": c.Pending(),
		})
	}
	if len(contexts) > 0 {
		out["contexts"] = contexts
	}
	if d := s.debugger; d != nil {
		out["stopped"] = d.IsStopped()
		out["stops"] = int64(d.Stops())
		if ev, ok := d.LastStop(); ok {
			out["reason"] = ev.Reason.String()
			out["file"] = ev.File
			out["line"] = ev.Line
			out["function"] = ev.Function
		}
	}
	return out, nil
}

func breakPointFields(bp vm.BreakPoint) fields {
	return fields{
		"id":       bp.ID,
		"file":     bp.File,
		"line":     bp.Line,
		"function": bp.Function,
		"pending":  bp.FunctionPending,
	}
}

func (s *Server) listBreakPoints(ctx context.Context, in *dynamic.Message) (fields, error) {
	if err := s.needDebugger(); err != nil {
		return nil, err
	}
	var list []interface{}
	for _, bp := range s.debugger.BreakPoints() {
		list = append(list, breakPointFields(bp))
	}
	if len(list) == 0 {
		return fields{}, nil
	}
	return fields{"breakpoints": list}, nil
}

func (s *Server) addBreakPoint(ctx context.Context, in *dynamic.Message) (fields, error) {
	if err := s.needDebugger(); err != nil {
		return nil, err
	}
	var bp *vm.BreakPoint
	var err error
	if fn := getString(in, "function"); fn != "" {
		bp, err = s.debugger.AddFunctionBreakPoint(fn)
	} else {
		bp, err = s.debugger.AddBreakPoint(getString(in, "file"), getInt(in, "line"))
	}
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return breakPointFields(*bp), nil
}

func (s *Server) removeBreakPoint(ctx context.Context, in *dynamic.Message) (fields, error) {
	if err := s.needDebugger(); err != nil {
		return nil, err
	}
	if getBool(in, "all") {
		s.debugger.RemoveAllBreakPoints()
		return fields{"ok": true, "message": "all breakpoints removed"}, nil
	}
	id := getInt(in, "id")
	if err := s.debugger.RemoveBreakPoint(id); err != nil {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	return fields{"ok": true, "message": fmt.Sprintf("breakpoint %d removed", id)}, nil
}

// wire enum values of Action
var actions = map[int]vm.Action{
	0: vm.ActionContinue,
	1: vm.ActionStepInto,
	2: vm.ActionStepOver,
	3: vm.ActionStepOut,
}

func (s *Server) setAction(ctx context.Context, in *dynamic.Message) (fields, error) {
	if err := s.needDebugger(); err != nil {
		return nil, err
	}
	a, ok := actions[getInt(in, "action")]
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "unknown action %d", getInt(in, "action"))
	}
	if !s.debugger.IsStopped() {
		s.debugger.SetAction(a)
		return fields{"ok": true, "message": a.String()}, nil
	}
	select {
	case s.resume <- a:
		return fields{"ok": true, "message": a.String()}, nil
	default:
		return fields{"ok": false, "message": "an action is already pending"}, nil
	}
}

func (s *Server) interrupt(ctx context.Context, in *dynamic.Message) (fields, error) {
	if err := s.needDebugger(); err != nil {
		return nil, err
	}
	s.debugger.Interrupt()
	return fields{"ok": true, "message": "interrupt requested"}, nil
}

// call runs a function on a pooled context. The event loop must be driven
// elsewhere for calls that suspend.
func (s *Server) call(ctx context.Context, in *dynamic.Message) (fields, error) {
	name := getString(in, "function")
	fn, err := s.vm.LookupFunction(name)
	if err != nil {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	timeout := DefaultCallTimeout
	if ms := getInt(in, "timeout_ms"); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := getStrings(in, "args")
	c := s.vm.RequestContext()
	f := c.ExecuteCall(fn, func(c *vm.Context) error {
		for i, a := range args {
			if err := c.SetArg(i, a); err != nil {
				return err
			}
		}
		return nil
	})
	r, err := f.Wait(ctx)
	if err != nil {
		_ = c.Abort()
	}
	if rerr := s.vm.ReturnContext(c); rerr != nil {
		log.Warningf("call %s: %s", name, rerr)
	}
	if err != nil {
		return nil, status.Error(codes.DeadlineExceeded, err.Error())
	}

	out := fields{"state": r.State.String()}
	if r.Value != nil {
		out["value"] = fmt.Sprint(r.Value)
	}
	if r.Err != nil {
		out["error"] = r.Err.Error()
	}
	return out, nil
}
