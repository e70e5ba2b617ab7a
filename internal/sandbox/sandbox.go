// Package sandbox executes artifact code in an isolated Lua interpreter.
//
// Each invocation runs in a fresh interpreter state that sees exactly one
// capability surface: a kernel table bound to the query and action facades.
// Code acts with the authority of the artifact's controller; every kernel
// call re-verifies that authority, so a hostile script gains nothing by
// lying about who it is. Runtime faults and timeouts are caught and reported
// as execution errors, never propagated as panics across the artifact
// boundary.
package sandbox

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/Shopify/go-lua"

	"github.com/agoraverse/agora/internal/artifact"
	"github.com/agoraverse/agora/internal/domain"
	"github.com/agoraverse/agora/internal/facade"
	"github.com/agoraverse/agora/internal/kerr"
)

// DefaultTimeout bounds one invocation when the executor is not configured.
const DefaultTimeout = 5 * time.Second

// Executor runs artifact code.
type Executor struct {
	query   *facade.Query
	actions *facade.Actions
	timeout time.Duration
}

// New creates an executor over the kernel facades. A non-positive timeout
// falls back to DefaultTimeout.
func New(query *facade.Query, actions *facade.Actions, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Executor{query: query, actions: actions, timeout: timeout}
}

// Invocation is one method call against an executable artifact.
type Invocation struct {
	// Artifact is the code-bearing target.
	Artifact domain.Artifact
	// Caller is the principal that issued the invoke intent.
	Caller string
	// Method names the Lua function to call.
	Method string
	// Args is passed to the method as a single table argument.
	Args map[string]any
}

// Invoke loads the artifact code, calls the named method with the args
// table, and returns the method's result converted to Go values. Scalars
// come back under a "result" key.
func (e *Executor) Invoke(ctx context.Context, inv Invocation) (map[string]any, error) {
	if !inv.Artifact.Executable || inv.Artifact.Code == "" {
		return nil, kerr.Newf(kerr.CodeNotExecutable, "artifact %s is not executable", inv.Artifact.ID)
	}
	if inv.Method == "" {
		return nil, kerr.New(kerr.CodeArgumentMissing, "method is required")
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		data map[string]any
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: kerr.Newf(kerr.CodeExecutionFailed, "artifact code panicked: %v", r)}
			}
		}()
		data, err := e.run(ctx, inv)
		done <- outcome{data: data, err: err}
	}()

	select {
	case <-ctx.Done():
		// The interpreter goroutine is abandoned; it holds no kernel locks
		// and its facade calls fail once ctx is done.
		return nil, kerr.Newf(kerr.CodeExecutionTimeout, "invoke of %s.%s exceeded %s", inv.Artifact.ID, inv.Method, e.timeout)
	case out := <-done:
		return out.data, out.err
	}
}

func (e *Executor) run(ctx context.Context, inv Invocation) (map[string]any, error) {
	state := lua.NewState()
	lua.OpenLibraries(state)
	e.registerKernelTable(ctx, state, inv)

	if err := lua.LoadString(state, inv.Artifact.Code); err != nil {
		return nil, kerr.Wrap(kerr.CodeExecutionFailed, "load artifact code", err)
	}
	if err := state.ProtectedCall(0, 0, 0); err != nil {
		return nil, kerr.Wrap(kerr.CodeExecutionFailed, "run artifact code", err)
	}

	state.Global(inv.Method)
	if state.TypeOf(-1) != lua.TypeFunction {
		state.Pop(1)
		return nil, kerr.Newf(kerr.CodeMethodUnknown, "artifact %s has no method %s", inv.Artifact.ID, inv.Method)
	}
	pushValue(state, mapOrEmpty(inv.Args))
	if err := state.ProtectedCall(1, 1, 0); err != nil {
		return nil, kerr.Wrap(kerr.CodeExecutionFailed, fmt.Sprintf("call %s", inv.Method), err)
	}

	result := luaToGo(state, -1)
	state.Pop(1)
	switch value := result.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return value, nil
	default:
		return map[string]any{"result": value}, nil
	}
}

// registerKernelTable binds the facade as a kernel global. Getters return
// (value) or (nil, message); actions return (true) or (false, message).
func (e *Executor) registerKernelTable(ctx context.Context, state *lua.State, inv Invocation) {
	actor := inv.Artifact.Controller

	functions := []lua.RegistryFunction{
		{Name: "balance", Function: func(l *lua.State) int {
			principalID := lua.CheckString(l, 1)
			balance, err := e.query.Balance(ctx, principalID)
			if err != nil {
				return pushFailure(l, err)
			}
			l.PushInteger(int(balance))
			return 1
		}},
		{Name: "quota", Function: func(l *lua.State) int {
			principalID := lua.CheckString(l, 1)
			resource := lua.CheckString(l, 2)
			quota, err := e.query.Quota(ctx, principalID, resource)
			if err != nil {
				return pushFailure(l, err)
			}
			pushValue(l, map[string]any{
				"limit": int(quota.Limit),
				"used":  int(quota.Used),
			})
			return 1
		}},
		{Name: "artifact", Function: func(l *lua.State) int {
			artifactID := lua.CheckString(l, 1)
			art, err := e.query.Artifact(ctx, artifactID)
			if err != nil {
				return pushFailure(l, err)
			}
			pushValue(l, artifactTable(art))
			return 1
		}},
		{Name: "transfer_scrip", Function: func(l *lua.State) int {
			recipient := lua.CheckString(l, 1)
			amount := lua.CheckInteger(l, 2)
			if err := e.actions.TransferScrip(ctx, actor, recipient, int64(amount)); err != nil {
				return pushFailure(l, err)
			}
			l.PushBoolean(true)
			return 1
		}},
		{Name: "transfer_quota", Function: func(l *lua.State) int {
			recipient := lua.CheckString(l, 1)
			resource := lua.CheckString(l, 2)
			amount := lua.CheckInteger(l, 3)
			if err := e.actions.TransferQuota(ctx, actor, recipient, resource, int64(amount)); err != nil {
				return pushFailure(l, err)
			}
			l.PushBoolean(true)
			return 1
		}},
		{Name: "write_artifact", Function: func(l *lua.State) int {
			lua.CheckType(l, 1, lua.TypeTable)
			fields := tableToMap(l, 1)
			written, _, err := e.actions.WriteArtifact(ctx, actor, writeRequestFromTable(fields))
			if err != nil {
				return pushFailure(l, err)
			}
			pushValue(l, artifactTable(written))
			return 1
		}},
		{Name: "set_metadata", Function: func(l *lua.State) int {
			artifactID := lua.CheckString(l, 1)
			key := lua.CheckString(l, 2)
			value := lua.OptString(l, 3, "")
			if _, err := e.actions.SetArtifactMetadata(ctx, actor, artifactID, key, value); err != nil {
				return pushFailure(l, err)
			}
			l.PushBoolean(true)
			return 1
		}},
	}

	state.NewTable()
	lua.SetFunctions(state, functions, 0)
	state.PushString(inv.Caller)
	state.SetField(-2, "caller_id")
	state.PushString(inv.Artifact.ID)
	state.SetField(-2, "self_id")
	state.PushString(actor)
	state.SetField(-2, "owner_id")
	state.SetGlobal("kernel")
}

func pushFailure(state *lua.State, err error) int {
	state.PushNil()
	state.PushString(err.Error())
	return 2
}

func artifactTable(art domain.Artifact) map[string]any {
	metadata := map[string]any{}
	for key, value := range art.Metadata {
		metadata[key] = value
	}
	return map[string]any{
		"id":                 art.ID,
		"type":               art.Type,
		"content":            art.Content,
		"executable":         art.Executable,
		"creator":            art.Creator,
		"controller":         art.Controller,
		"access_contract_id": art.AccessContractID,
		"price":              int(art.Price),
		"metadata":           metadata,
	}
}

func writeRequestFromTable(fields map[string]any) (req artifact.WriteRequest) {
	req.ID, _ = fields["artifact_id"].(string)
	req.Type, _ = fields["artifact_type"].(string)
	req.Content, _ = fields["content"].(string)
	req.Code, _ = fields["code"].(string)
	req.Executable, _ = fields["executable"].(bool)
	req.AccessContractID, _ = fields["access_contract_id"].(string)
	switch price := fields["price"].(type) {
	case int:
		req.Price = int64(price)
	case float64:
		req.Price = int64(price)
	}
	if metadata, ok := fields["metadata"].(map[string]any); ok {
		req.Metadata = map[string]string{}
		for key, value := range metadata {
			if text, ok := value.(string); ok {
				req.Metadata[key] = text
			}
		}
	}
	return req
}

func mapOrEmpty(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	return args
}

func pushValue(state *lua.State, value any) {
	switch v := value.(type) {
	case nil:
		state.PushNil()
	case bool:
		state.PushBoolean(v)
	case int:
		state.PushInteger(v)
	case int64:
		state.PushInteger(int(v))
	case float64:
		state.PushNumber(v)
	case string:
		state.PushString(v)
	case []any:
		state.NewTable()
		for i, item := range v {
			pushValue(state, item)
			state.RawSetInt(-2, i+1)
		}
	case map[string]any:
		state.NewTable()
		for key, item := range v {
			pushValue(state, item)
			state.SetField(-2, key)
		}
	default:
		state.PushString(fmt.Sprint(v))
	}
}

func tableToMap(state *lua.State, index int) map[string]any {
	output := map[string]any{}
	if state.TypeOf(index) != lua.TypeTable {
		return output
	}

	index = state.AbsIndex(index)
	state.PushNil()
	for state.Next(index) {
		if state.TypeOf(-2) == lua.TypeString {
			key, _ := state.ToString(-2)
			output[key] = luaToGo(state, -1)
		}
		state.Pop(1)
	}
	return output
}

func luaToGo(state *lua.State, index int) any {
	switch state.TypeOf(index) {
	case lua.TypeString:
		value, _ := state.ToString(index)
		return value
	case lua.TypeNumber:
		value, _ := state.ToNumber(index)
		return normalizeNumber(value)
	case lua.TypeBoolean:
		return state.ToBoolean(index)
	case lua.TypeTable:
		return tableToGo(state, index)
	default:
		return nil
	}
}

func tableToGo(state *lua.State, index int) any {
	if state.TypeOf(index) != lua.TypeTable {
		return nil
	}

	index = state.AbsIndex(index)
	isArray := true
	maxIndex := 0
	count := 0
	state.PushNil()
	for state.Next(index) {
		if isArray {
			if state.TypeOf(-2) != lua.TypeNumber {
				isArray = false
			} else if idx, ok := state.ToInteger(-2); ok && idx > 0 {
				count++
				if idx > maxIndex {
					maxIndex = idx
				}
			} else {
				isArray = false
			}
		}
		state.Pop(1)
	}

	if isArray && count > 0 && maxIndex == count {
		result := make([]any, 0, maxIndex)
		for i := 1; i <= maxIndex; i++ {
			state.RawGetInt(index, i)
			result = append(result, luaToGo(state, -1))
			state.Pop(1)
		}
		return result
	}

	return tableToMap(state, index)
}

func normalizeNumber(value float64) any {
	if math.Mod(value, 1) == 0 {
		return int(value)
	}
	return value
}
