package remote

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/funvibe/conductor/internal/engine"
	"github.com/funvibe/conductor/internal/engine/coro"
	"github.com/funvibe/conductor/internal/vm"
)

type testModule struct {
	fns []engine.Function
}

func (m *testModule) Name() string                 { return "t" }
func (m *testModule) Functions() []engine.Function { return m.fns }

func greet() *coro.Function {
	return coro.NewFunction("greet", "remote.yaml", 1, []int{2, 3}, func(th *coro.Thread) error {
		th.Line(2)
		name, _ := th.Arg(0).(string)
		th.Line(3)
		th.Return("hello " + name)
		return nil
	})
}

func napper() *coro.Function {
	return coro.NewFunction("nap", "remote.yaml", 5, []int{6, 7}, func(th *coro.Thread) error {
		th.Line(6)
		c := vm.FromNative(th.Context())
		if err := c.Await(func(wake func()) { time.AfterFunc(5*time.Millisecond, wake) }); err != nil {
			return err
		}
		th.Line(7)
		th.Return("rested")
		return nil
	})
}

type harness struct {
	vm     *vm.VM
	dbg    *vm.Debugger
	client *Client
}

func newHarness(t *testing.T, withDebugger bool) *harness {
	t.Helper()
	v := vm.New(vm.Options{Engine: coro.New(), PoolSize: 2, PollInterval: time.Millisecond})
	if err := v.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := v.RegisterModule(&testModule{fns: []engine.Function{greet(), napper()}}); err != nil {
		t.Fatalf("RegisterModule: %v", err)
	}

	var d *vm.Debugger
	if withDebugger {
		d = vm.NewDebugger()
	}
	srv, err := NewServer(v, d)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()

	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = v.Loop().Run(ctx)
	}()

	client, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	t.Cleanup(func() {
		client.Close()
		srv.Stop()
		cancel()
		<-loopDone
		v.Shutdown()
	})
	return &harness{vm: v, dbg: d, client: client}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestServiceDescriptor(t *testing.T) {
	sd, err := Service()
	if err != nil {
		t.Fatalf("Service: %v", err)
	}
	if sd.GetFullyQualifiedName() != ServiceName {
		t.Errorf("service = %s", sd.GetFullyQualifiedName())
	}
	if got := len(sd.GetMethods()); got != 7 {
		t.Errorf("got %d methods, want 7", got)
	}
}

func TestBreakPointManagement(t *testing.T) {
	h := newHarness(t, true)
	ctx := testContext(t)

	bp, err := h.client.AddBreakPoint(ctx, "remote.yaml", 3)
	if err != nil {
		t.Fatalf("AddBreakPoint: %v", err)
	}
	if bp.File != "remote.yaml" || bp.Line != 3 {
		t.Errorf("bp = %+v", bp)
	}
	fbp, err := h.client.AddFunctionBreakPoint(ctx, "nap")
	if err != nil {
		t.Fatalf("AddFunctionBreakPoint: %v", err)
	}
	if !fbp.FunctionPending || fbp.ID == bp.ID {
		t.Errorf("function bp = %+v", fbp)
	}

	list, err := h.client.BreakPoints(ctx)
	if err != nil {
		t.Fatalf("BreakPoints: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("listed %d breakpoints, want 2", len(list))
	}

	if err := h.client.RemoveBreakPoint(ctx, bp.ID); err != nil {
		t.Fatalf("RemoveBreakPoint: %v", err)
	}
	if err := h.client.RemoveBreakPoint(ctx, 99); status.Code(err) != codes.NotFound {
		t.Errorf("removing unknown id: %v", err)
	}
	if err := h.client.RemoveAllBreakPoints(ctx); err != nil {
		t.Fatalf("RemoveAllBreakPoints: %v", err)
	}
	if got := h.dbg.BreakPoints(); len(got) != 0 {
		t.Errorf("breakpoints left: %+v", got)
	}

	if _, err := h.client.AddBreakPoint(ctx, "", 0); status.Code(err) != codes.InvalidArgument {
		t.Errorf("invalid breakpoint: %v", err)
	}
}

func TestRemoteCall(t *testing.T) {
	h := newHarness(t, false)
	ctx := testContext(t)

	reply, err := h.client.Call(ctx, "greet", "world")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if reply.State != "finished" || reply.Value != "hello world" || reply.Error != "" {
		t.Errorf("reply = %+v", reply)
	}

	// suspends and is resumed by the running loop
	reply, err = h.client.Call(ctx, "t.nap")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if reply.Value != "rested" {
		t.Errorf("reply = %+v", reply)
	}

	if _, err := h.client.Call(ctx, "missing"); status.Code(err) != codes.NotFound {
		t.Errorf("unknown function: %v", err)
	}
}

func TestNoDebugger(t *testing.T) {
	h := newHarness(t, false)
	ctx := testContext(t)

	if _, err := h.client.AddBreakPoint(ctx, "x.yaml", 1); status.Code(err) != codes.FailedPrecondition {
		t.Errorf("AddBreakPoint: %v", err)
	}
	st, err := h.client.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Debugger || st.Stopped {
		t.Errorf("status = %+v", st)
	}
	if len(st.Contexts) != 2 {
		t.Errorf("status lists %d contexts, want 2", len(st.Contexts))
	}
}

func TestStopAndResume(t *testing.T) {
	h := newHarness(t, true)
	ctx := testContext(t)

	if _, err := h.client.AddBreakPoint(ctx, "remote.yaml", 3); err != nil {
		t.Fatalf("AddBreakPoint: %v", err)
	}

	type callResult struct {
		reply CallReply
		err   error
	}
	done := make(chan callResult, 1)
	go func() {
		r, err := h.client.Call(ctx, "greet", "stepper")
		done <- callResult{r, err}
	}()

	var st *Status
	for {
		var err error
		st, err = h.client.Status(ctx)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if st.Stopped {
			break
		}
		select {
		case <-ctx.Done():
			t.Fatal("never stopped")
		case <-time.After(2 * time.Millisecond):
		}
	}
	if st.Line != 3 || st.Function != "greet" || st.Reason != "breakpoint" || st.Stops != 1 {
		t.Errorf("status = %+v", st)
	}

	if err := h.client.SetAction(ctx, vm.ActionContinue); err != nil {
		t.Fatalf("SetAction: %v", err)
	}
	res := <-done
	if res.err != nil {
		t.Fatalf("Call: %v", res.err)
	}
	if res.reply.Value != "hello stepper" {
		t.Errorf("reply = %+v", res.reply)
	}

	if err := h.client.SetAction(ctx, vm.ActionInterrupt); err == nil {
		t.Error("interrupt is not a wire action")
	}
}

func TestInterrupt(t *testing.T) {
	h := newHarness(t, true)
	ctx := testContext(t)
	if err := h.client.Interrupt(ctx); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	if h.dbg.Action() != vm.ActionInterrupt {
		t.Errorf("action = %s", h.dbg.Action())
	}
}
