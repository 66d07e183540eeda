package report

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Filter is a compiled CEL predicate over stamped records, used to report
// on a segment of a run, e.g. `amount > 1000.0 && hour >= 21`.
type Filter struct {
	expr    string
	program cel.Program
}

var filterEnv *cel.Env

func init() {
	env, err := cel.NewEnv(
		cel.Variable("transaction_id", cel.IntType),
		cel.Variable("merchant_id", cel.IntType),
		cel.Variable("user_id", cel.IntType),
		cel.Variable("card_number", cel.StringType),
		cel.Variable("device_id", cel.IntType),
		cel.Variable("has_device", cel.BoolType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("has_cbk", cel.BoolType),
		cel.Variable("recommendation", cel.StringType),
		cel.Variable("deny_case", cel.IntType),
		cel.Variable("hour", cel.IntType),
	)
	if err != nil {
		panic(fmt.Sprintf("report: failed to create CEL environment: %v", err))
	}
	filterEnv = env
}

// NewFilter compiles expr. The expression must evaluate to a bool.
func NewFilter(expr string) (*Filter, error) {
	ast, issues := filterEnv.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile filter: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("filter must evaluate to bool, got %s", ast.OutputType())
	}

	program, err := filterEnv.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create filter program: %w", err)
	}
	return &Filter{expr: expr, program: program}, nil
}

// String returns the source expression.
func (f *Filter) String() string {
	return f.expr
}

// Match reports whether rec belongs to the segment. A nil filter matches
// every record.
func (f *Filter) Match(rec *domain.Record) (bool, error) {
	if f == nil {
		return true, nil
	}

	var device int64
	if rec.DeviceID != nil {
		device = *rec.DeviceID
	}

	out, _, err := f.program.Eval(map[string]any{
		"transaction_id": rec.TransactionID,
		"merchant_id":    rec.MerchantID,
		"user_id":        rec.UserID,
		"card_number":    rec.CardNumber,
		"device_id":      device,
		"has_device":     rec.DeviceID != nil,
		"amount":         rec.TransactionAmount,
		"has_cbk":        rec.HasCBK,
		"recommendation": string(rec.Recommendation),
		"deny_case":      int64(rec.DenyCase),
		"hour":           int64(rec.TransactionDate.Hour()),
	})
	if err != nil {
		return false, fmt.Errorf("filter evaluation failed for transaction %d: %w", rec.TransactionID, err)
	}

	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("filter returned %v, not bool", out.Type())
	}
	return bool(b), nil
}
