package node

import "testing"

type greetArgs struct {
	Name string
}

type greetReply struct {
	Message string
}

func TestRegisterServiceProviderTypedRejectsBadSignature(t *testing.T) {
	n := newTestNode(t)
	_, err := n.RegisterServiceProviderTyped("/greet", "test/Greet", "*", "", "", func(int) error { return nil })
	if err == nil {
		t.Fatal("expect error for non-matching handler signature")
	}
}

func TestRegisterServiceProviderTypedWrapsHandler(t *testing.T) {
	n := newTestNode(t)
	idx, err := n.RegisterServiceProviderTyped("/greet", "test/Greet", "*", "", "", func(args *greetArgs, reply *greetReply) error {
		reply.Message = "hello, " + args.Name
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	svc, ok := n.Registry.ServiceProviders.Get(idx)
	if !ok || svc.Handle == nil {
		t.Fatal("expect a registered provider with a non-nil handle")
	}
}

type arithArgs struct{ A, B int }
type arithReply struct{ Result int }

type arith struct{}

func (a *arith) Add(args *arithArgs, reply *arithReply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *arith) Multiply(args *arithArgs, reply *arithReply) error {
	reply.Result = args.A * args.B
	return nil
}

func (a *arith) notRPCShaped(x int) int { return x }

func TestRegisterServiceGroupRegistersOnePerMethod(t *testing.T) {
	n := newTestNode(t)
	indices, err := n.RegisterServiceGroup("/arith", &arith{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(indices) != 2 {
		t.Fatalf("expect 2 RPC-shaped methods registered, got %d", len(indices))
	}
	for _, name := range []string{"Add", "Multiply"} {
		idx, ok := indices[name]
		if !ok {
			t.Fatalf("expect %s registered", name)
		}
		svc, ok := n.Registry.ServiceProviders.Get(idx)
		if !ok || svc.Handle == nil {
			t.Fatalf("expect %s to have a registered handle", name)
		}
	}
}
