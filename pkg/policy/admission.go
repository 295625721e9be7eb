package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/parley/pkg/interfaces"
	"github.com/m-mizutani/parley/pkg/model"
	"github.com/m-mizutani/parley/pkg/utils/logging"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/topdown/print"
)

// Query is the rule evaluated for every chat message. A policy rejects a
// message by adding a reason to the deny set:
//
//	package chat
//
//	deny contains "message too long" if {
//		input.message_length > 1000
//	}
const Query = "data.chat.deny"

// Input is the document a policy sees as `input`
type Input struct {
	User           InputUser `json:"user"`
	ConversationID string    `json:"conversation_id"`
	Message        string    `json:"message"`
	MessageLength  int       `json:"message_length"`
}

type InputUser struct {
	UID   string `json:"uid"`
	Email string `json:"email,omitempty"`
}

// Admission gates chat messages with Rego policies loaded from a directory
type Admission struct {
	query *rego.PreparedEvalQuery
}

var _ interfaces.Admission = (*Admission)(nil)

// printHook forwards Rego print() output to the request logger
type printHook struct {
	ctx context.Context
}

func (h *printHook) Print(_ print.Context, message string) error {
	logging.From(h.ctx).Debug("policy print", "message", message)
	return nil
}

// New loads every *.rego file in policyDir. A directory without policies
// yields an Admission that admits everything.
func New(ctx context.Context, policyDir string) (*Admission, error) {
	files, err := filepath.Glob(filepath.Join(policyDir, "*.rego"))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to glob policy files", goerr.V("dir", policyDir))
	}
	sort.Strings(files)

	modules := make([]string, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read policy file", goerr.V("path", file))
		}
		modules = append(modules, file, string(data))
	}

	return newAdmission(ctx, modules...)
}

// NewFromModules builds an Admission from in-memory modules given as
// alternating name and source
func NewFromModules(ctx context.Context, nameAndSource ...string) (*Admission, error) {
	if len(nameAndSource)%2 != 0 {
		return nil, goerr.New("module name without source")
	}
	return newAdmission(ctx, nameAndSource...)
}

func newAdmission(ctx context.Context, nameAndSource ...string) (*Admission, error) {
	if len(nameAndSource) == 0 {
		return &Admission{}, nil
	}

	options := []func(*rego.Rego){
		rego.Query(Query),
		rego.EnablePrintStatements(true),
	}
	for i := 0; i < len(nameAndSource); i += 2 {
		options = append(options, rego.Module(nameAndSource[i], nameAndSource[i+1]))
	}

	prepared, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare policy", goerr.V("query", Query))
	}

	return &Admission{query: &prepared}, nil
}

// Reasons evaluates the policy and returns the sorted deny reasons. An empty
// result admits the message.
func (x *Admission) Reasons(ctx context.Context, input Input) ([]string, error) {
	if x == nil || x.query == nil {
		return nil, nil
	}

	rs, err := x.query.Eval(ctx, rego.EvalInput(input), rego.EvalPrintHook(&printHook{ctx: ctx}))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to evaluate policy")
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, nil
	}

	values, ok := rs[0].Expressions[0].Value.([]any)
	if !ok {
		return nil, goerr.New("deny rule must be a set",
			goerr.V("type", fmt.Sprintf("%T", rs[0].Expressions[0].Value)))
	}

	reasons := make([]string, 0, len(values))
	for _, v := range values {
		reasons = append(reasons, fmt.Sprint(v))
	}
	sort.Strings(reasons)
	return reasons, nil
}

// Admit returns model.ErrRejected when any deny reason applies
func (x *Admission) Admit(ctx context.Context, identity *model.Identity, id model.ConversationID, message string) error {
	input := Input{
		User:           InputUser{UID: identity.UID, Email: identity.Email},
		ConversationID: id.String(),
		Message:        message,
		MessageLength:  len([]rune(message)),
	}

	reasons, err := x.Reasons(ctx, input)
	if err != nil {
		return err
	}
	if len(reasons) > 0 {
		return goerr.Wrap(model.ErrRejected, "message rejected by policy", goerr.V("reasons", reasons))
	}
	return nil
}
