package emberkv

import "testing"

func TestValidateSetRequiresKeyAndValue(t *testing.T) {
	if err := validate(Request{Command: CmdSet, Args: Args{Value: []byte("v")}}); err == nil {
		t.Fatalf("SET without key should be a validation error")
	}
	if err := validate(Request{Command: CmdSet, Args: Args{Key: "k"}}); err == nil {
		t.Fatalf("SET without value should be a validation error")
	}
	if err := validate(Request{Command: CmdSet, Args: Args{Key: "k", Value: []byte("v")}}); err != nil {
		t.Fatalf("a well-formed SET should validate, got %v", err)
	}
}

func TestValidateSetTTLMustBePositiveIfSupplied(t *testing.T) {
	req := Request{Command: CmdSet, Args: Args{Key: "k", Value: []byte("v"), HasTTL: true, TTLMillis: 0}}
	if err := validate(req); err == nil {
		t.Fatalf("SET with ttl_ms=0 (but HasTTL) should be a validation error")
	}
	req.Args.TTLMillis = -5
	if err := validate(req); err == nil {
		t.Fatalf("SET with negative ttl_ms should be a validation error")
	}
	req.Args.TTLMillis = 100
	if err := validate(req); err != nil {
		t.Fatalf("SET with a positive ttl_ms should validate, got %v", err)
	}
}

func TestValidateExpireRequiresPositiveTTL(t *testing.T) {
	if err := validate(Request{Command: CmdExpire, Args: Args{Key: "k"}}); err == nil {
		t.Fatalf("EXPIRE without ttl_ms should be a validation error")
	}
	if err := validate(Request{Command: CmdExpire, Args: Args{Key: "k", HasTTL: true, TTLMillis: -1}}); err == nil {
		t.Fatalf("EXPIRE with negative ttl_ms should be a validation error")
	}
	if err := validate(Request{Command: CmdExpire, Args: Args{Key: "k", HasTTL: true, TTLMillis: 100}}); err != nil {
		t.Fatalf("a well-formed EXPIRE should validate, got %v", err)
	}
}

func TestValidateRequiresKeyCommands(t *testing.T) {
	for _, cmd := range []CommandName{CmdGet, CmdDel, CmdExists, CmdIncr, CmdDecr, CmdTTL} {
		if err := validate(Request{Command: cmd}); err == nil {
			t.Fatalf("%s without key should be a validation error", cmd)
		}
		if err := validate(Request{Command: cmd, Args: Args{Key: "k"}}); err != nil {
			t.Fatalf("%s with a key should validate, got %v", cmd, err)
		}
	}
}

func TestValidateKeysPatternIsOptional(t *testing.T) {
	if err := validate(Request{Command: CmdKeys}); err != nil {
		t.Fatalf("KEYS with no pattern should validate, got %v", err)
	}
	if err := validate(Request{Command: CmdKeys, Args: Args{Pattern: "user:*"}}); err != nil {
		t.Fatalf("KEYS with a pattern should validate, got %v", err)
	}
}

func TestValidateMGetRequiresKeys(t *testing.T) {
	if err := validate(Request{Command: CmdMGet}); err == nil {
		t.Fatalf("MGET with no keys should be a validation error")
	}
	if err := validate(Request{Command: CmdMGet, Args: Args{Keys: []any{"a", "b"}}}); err != nil {
		t.Fatalf("MGET with keys should validate, got %v", err)
	}
}

func TestValidateMSetRequiresValuesAndPerElementKeys(t *testing.T) {
	if err := validate(Request{Command: CmdMSet}); err == nil {
		t.Fatalf("MSET with no values should be a validation error")
	}
	if err := validate(Request{Command: CmdMSet, Args: Args{Values: []MSetItem{{Value: []byte("v")}}}}); err == nil {
		t.Fatalf("MSET with an element missing a key should be a validation error")
	}
	if err := validate(Request{Command: CmdMSet, Args: Args{Values: []MSetItem{{Key: "k", Value: []byte("v")}}}}); err != nil {
		t.Fatalf("a well-formed MSET should validate, got %v", err)
	}
}

func TestValidateUnknownCommand(t *testing.T) {
	if err := validate(Request{Command: CommandName("NOPE")}); err == nil {
		t.Fatalf("an unknown command should be a validation error")
	}
}

func TestValidateFlushAllAndInfoTakeNoArgs(t *testing.T) {
	if err := validate(Request{Command: CmdFlushAll}); err != nil {
		t.Fatalf("FLUSHALL should always validate, got %v", err)
	}
	if err := validate(Request{Command: CmdInfo}); err != nil {
		t.Fatalf("INFO should always validate, got %v", err)
	}
}
