package transform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"

	"gridsync/internal/config"
	"gridsync/internal/grid"
	"gridsync/internal/models"
)

// ErrRecordRejected is returned when a rule drops a record or a JavaScript
// transform function returns null or undefined
var ErrRecordRejected = errors.New("record rejected by transformer")

// MaskedValue replaces old and new values on records matched by a masking rule
const MaskedValue = "***"

// EntryReader looks up the current value of a key in a grid map
type EntryReader func(ctx context.Context, mapName, key string) (models.Option[string], error)

// EventSender publishes system events
type EventSender interface {
	SendSystemEvent(ctx context.Context, component, level, message string) error
}

// Bindings are the host functions exposed to transform scripts. Nil fields
// are left undefined in the script.
type Bindings struct {
	Reader EntryReader
	Events EventSender
}

// GridReader adapts a grid to an EntryReader
func GridReader(g grid.Grid) EntryReader {
	return func(ctx context.Context, mapName, key string) (models.Option[string], error) {
		m, err := g.Map(ctx, mapName)
		if err != nil {
			return models.None[string](), err
		}
		return m.Get(ctx, key)
	}
}

// Transformer transforms records based on configuration rules or a script
type Transformer struct {
	config   *config.ProcessorConfig
	logger   *logrus.Logger
	rules    []*RuleMatcher
	program  *goja.Program
	bindings Bindings
}

// RuleMatcher matches and applies one transformation rule
type RuleMatcher struct {
	mapName     string
	keyPrefix   string
	drop        bool
	maskValues  bool
	addMetadata map[string]string
}

// NewTransformer creates a new transformer with the given configuration
func NewTransformer(cfg *config.ProcessorConfig, logger *logrus.Logger, bindings Bindings) (*Transformer, error) {
	transformer := &Transformer{
		config:   cfg,
		logger:   logger,
		rules:    []*RuleMatcher{},
		bindings: bindings,
	}
	if cfg == nil || !cfg.Enabled {
		return transformer, nil
	}

	if cfg.Script != "" {
		scriptContent, err := os.ReadFile(cfg.Script)
		if err != nil {
			return nil, fmt.Errorf("failed to read JavaScript script file: %w", err)
		}

		program, err := goja.Compile(cfg.Script, string(scriptContent), false)
		if err != nil {
			return nil, fmt.Errorf("invalid JavaScript script: %w", err)
		}
		if err := validateProgram(program); err != nil {
			return nil, fmt.Errorf("invalid JavaScript script: %w", err)
		}

		transformer.program = program
		logger.Infof("Loaded JavaScript transformation script: %s", cfg.Script)
	}

	for _, rule := range cfg.Rules {
		transformer.rules = append(transformer.rules, &RuleMatcher{
			mapName:     rule.Map,
			keyPrefix:   rule.KeyPrefix,
			drop:        rule.Drop,
			maskValues:  rule.MaskValues,
			addMetadata: rule.AddMetadata,
		})
	}
	if len(transformer.rules) > 0 {
		logger.Infof("Loaded %d transformation rules", len(transformer.rules))
	}

	return transformer, nil
}

// validateProgram checks that the script evaluates to a function or defines
// a function named transform.
func validateProgram(program *goja.Program) error {
	vm := goja.New()
	result, err := vm.RunProgram(program)
	if err != nil {
		return fmt.Errorf("failed to execute script: %w", err)
	}
	if _, ok := transformFunction(vm, result); !ok {
		return fmt.Errorf("script must export a function (either anonymous function or named 'transform' function)")
	}
	return nil
}

func transformFunction(vm *goja.Runtime, result goja.Value) (goja.Callable, bool) {
	if result != nil && !goja.IsUndefined(result) && !goja.IsNull(result) {
		if fn, ok := goja.AssertFunction(result); ok {
			return fn, true
		}
	}
	named := vm.Get("transform")
	if named != nil && !goja.IsUndefined(named) && !goja.IsNull(named) {
		return goja.AssertFunction(named)
	}
	return nil, false
}

// Enabled reports whether records can be changed or rejected
func (t *Transformer) Enabled() bool {
	return t != nil && t.config != nil && t.config.Enabled && (t.program != nil || len(t.rules) > 0)
}

// Transform applies the configured script or rules to a record. A nil or
// disabled transformer returns the record unchanged.
func (t *Transformer) Transform(ctx context.Context, rec *models.Record) (*models.Record, error) {
	if !t.Enabled() {
		return rec, nil
	}

	// the script takes precedence over rules
	if t.program != nil {
		return t.transformWithJavaScript(ctx, rec)
	}
	return t.transformWithRules(rec)
}

func (t *Transformer) transformWithJavaScript(ctx context.Context, rec *models.Record) (*models.Record, error) {
	recordJSON, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record to JSON: %w", err)
	}

	t.logger.Debugf("Transforming record with JavaScript: %s/%s (%s)", rec.Map, rec.Key, rec.Kind)

	// goja.Runtime is not safe for concurrent use
	vm := goja.New()
	if err := t.setupConsoleBindings(vm); err != nil {
		return nil, fmt.Errorf("failed to setup console bindings: %w", err)
	}
	if err := t.setupHostBindings(ctx, vm); err != nil {
		return nil, fmt.Errorf("failed to setup host bindings: %w", err)
	}

	scriptResult, err := vm.RunProgram(t.program)
	if err != nil {
		return nil, fmt.Errorf("failed to execute JavaScript script: %w", err)
	}
	callable, ok := transformFunction(vm, scriptResult)
	if !ok {
		return nil, fmt.Errorf("script must export a function (either anonymous function or named 'transform' function)")
	}

	if err := vm.Set("recordJSON", string(recordJSON)); err != nil {
		return nil, fmt.Errorf("failed to set record JSON: %w", err)
	}
	// metadata is omitted from JSON when empty; scripts expect an object
	recordObj, err := vm.RunString("(function(r) { if (!r.metadata) { r.metadata = {}; } return r; })(JSON.parse(recordJSON))")
	if err != nil {
		return nil, fmt.Errorf("failed to parse record JSON: %w", err)
	}

	result, err := callable(goja.Undefined(), recordObj)
	if err != nil {
		t.logger.Errorf("JavaScript transform function error: %v", err)
		return nil, fmt.Errorf("JavaScript transform function error: %w", err)
	}

	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		t.logger.Debugf("Record rejected by JavaScript transformer: %s/%s (%s)", rec.Map, rec.Key, rec.Kind)
		return nil, ErrRecordRejected
	}

	resultJSON, err := json.Marshal(result.Export())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	var transformed models.Record
	if err := json.Unmarshal(resultJSON, &transformed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w, JSON: %s", err, string(resultJSON))
	}

	// a script may rewrite values and metadata but not what happened to which map
	transformed.Map = rec.Map
	transformed.Kind = rec.Kind
	if transformed.Key == "" {
		transformed.Key = rec.Key
	}
	if transformed.Timestamp.IsZero() {
		transformed.Timestamp = rec.Timestamp
	}
	if transformed.Metadata == nil {
		transformed.Metadata = map[string]string{}
	}

	return &transformed, nil
}

func (t *Transformer) transformWithRules(rec *models.Record) (*models.Record, error) {
	var matchedRule *RuleMatcher
	for _, rule := range t.rules {
		if rule.matches(rec.Map, rec.Key) {
			matchedRule = rule
			break
		}
	}
	if matchedRule == nil {
		return rec, nil
	}

	if matchedRule.drop {
		return nil, ErrRecordRejected
	}

	transformed := *rec
	transformed.Metadata = make(map[string]string, len(rec.Metadata)+len(matchedRule.addMetadata))
	for k, v := range rec.Metadata {
		transformed.Metadata[k] = v
	}
	for k, v := range matchedRule.addMetadata {
		transformed.Metadata[k] = v
	}

	if matchedRule.maskValues {
		if transformed.OldValue.IsSome() {
			transformed.OldValue = models.Some(MaskedValue)
		}
		if transformed.NewValue.IsSome() {
			transformed.NewValue = models.Some(MaskedValue)
		}
	}

	return &transformed, nil
}

// matches checks if a rule matches the given map and key
func (r *RuleMatcher) matches(mapName, key string) bool {
	// empty map name matches every map
	if r.mapName != "" && r.mapName != mapName {
		return false
	}
	return strings.HasPrefix(key, r.keyPrefix)
}

// setupConsoleBindings sets up console JavaScript bindings in the VM
func (t *Transformer) setupConsoleBindings(vm *goja.Runtime) error {
	consoleObj := vm.NewObject()

	formatArgs := func(call goja.FunctionCall) string {
		args := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = fmt.Sprint(arg.Export())
		}
		return strings.Join(args, " ")
	}

	levels := map[string]func(args ...interface{}){
		"log":   t.logger.Info,
		"info":  t.logger.Info,
		"warn":  t.logger.Warn,
		"error": t.logger.Error,
		"debug": t.logger.Debug,
	}
	for name, logFn := range levels {
		fn := func(call goja.FunctionCall) goja.Value {
			logFn(formatArgs(call))
			return goja.Undefined()
		}
		if err := consoleObj.Set(name, fn); err != nil {
			return fmt.Errorf("failed to set console.%s: %w", name, err)
		}
	}

	if err := vm.Set("console", consoleObj); err != nil {
		return fmt.Errorf("failed to set console object: %w", err)
	}
	return nil
}

// setupHostBindings exposes grid.get and events.send to the script.
func (t *Transformer) setupHostBindings(ctx context.Context, vm *goja.Runtime) error {
	if t.bindings.Reader != nil {
		gridObj := vm.NewObject()
		getFn := func(call goja.FunctionCall) goja.Value {
			mapName := call.Argument(0).String()
			key := call.Argument(1).String()
			if mapName == "" || key == "" {
				panic(vm.NewTypeError("grid.get: map and key are required"))
			}

			value, err := t.bindings.Reader(ctx, mapName, key)
			if err != nil {
				t.logger.Errorf("grid.get error: %v", err)
				panic(vm.NewGoError(err))
			}
			if v, ok := value.Get(); ok {
				return vm.ToValue(v)
			}
			return goja.Null()
		}
		if err := gridObj.Set("get", getFn); err != nil {
			return fmt.Errorf("failed to set grid.get: %w", err)
		}
		if err := vm.Set("grid", gridObj); err != nil {
			return fmt.Errorf("failed to set grid object: %w", err)
		}
	}

	if t.bindings.Events != nil {
		eventsObj := vm.NewObject()
		sendFn := func(call goja.FunctionCall) goja.Value {
			component := call.Argument(0).String()
			level := strings.ToUpper(call.Argument(1).String())
			message := call.Argument(2).String()
			if component == "" || message == "" {
				panic(vm.NewTypeError("events.send: component and message are required"))
			}

			if err := t.bindings.Events.SendSystemEvent(ctx, component, level, message); err != nil {
				t.logger.Errorf("events.send error: %v", err)
				panic(vm.NewGoError(err))
			}
			return goja.Undefined()
		}
		if err := eventsObj.Set("send", sendFn); err != nil {
			return fmt.Errorf("failed to set events.send: %w", err)
		}
		if err := vm.Set("events", eventsObj); err != nil {
			return fmt.Errorf("failed to set events object: %w", err)
		}
	}

	return nil
}

// ValidateRules validates processor configuration rules
func ValidateRules(cfg *config.ProcessorConfig) error {
	if cfg == nil || !cfg.Enabled {
		return nil
	}

	if cfg.Script != "" {
		if _, err := os.Stat(cfg.Script); os.IsNotExist(err) {
			return fmt.Errorf("JavaScript script file not found: %s", cfg.Script)
		}
	}

	if cfg.Script != "" && len(cfg.Rules) > 0 {
		return fmt.Errorf("cannot specify both 'script' and 'rules'")
	}

	for i, rule := range cfg.Rules {
		if rule.Drop && (rule.MaskValues || len(rule.AddMetadata) > 0) {
			return fmt.Errorf("processor rule %d: 'drop' cannot be combined with 'mask_values' or 'add_metadata'", i)
		}
		if !rule.Drop && !rule.MaskValues && len(rule.AddMetadata) == 0 {
			return fmt.Errorf("processor rule %d: no action specified", i)
		}
		for k := range rule.AddMetadata {
			if strings.TrimSpace(k) == "" {
				return fmt.Errorf("processor rule %d: metadata keys cannot be empty", i)
			}
		}
	}

	return nil
}
