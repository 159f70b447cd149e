package eventbus

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

// TagName is the struct tag that marks handler fields.
//
// Tag options are comma separated:
//
//	priority=<name|int>  handler priority, e.g. priority=high or priority=-1
//	cancelled            also run for cancelled events
//	name=<string>        handler name override
//
// A tag value of "-" skips the field.
const TagName = "event"

// MethodPrefix marks exported methods that are discovered as handlers.
// The prefix must be followed by an upper case letter, e.g. OnOrderPlaced.
const MethodPrefix = "On"

var (
	contextType  = reflect.TypeFor[context.Context]()
	errorType    = reflect.TypeFor[error]()
	listenerType = reflect.TypeFor[*Listener]()
)

// handlerSpec is a discovered handler before it is bound into the registry.
type handlerSpec struct {
	member           string
	name             string
	eventType        reflect.Type
	priority         Priority
	receiveCancelled bool
	invoke           invokeFunc
}

type memberKind uint8

const (
	memberField memberKind = iota
	memberMethod
)

type tagOptions struct {
	priority    Priority
	hasPriority bool
	cancelled   bool
	name        string
	isListener  bool
	signature   funcSignature
}

type funcSignature struct {
	eventType  reflect.Type
	withCtx    bool
	returnsErr bool
}

type memberPlan struct {
	kind  memberKind
	name  string
	index int
	tag   tagOptions
}

// subscriberPlan is the type-level result of discovery, cached per type.
type subscriberPlan struct {
	members []memberPlan
	err     error
}

var planCache sync.Map // map[reflect.Type]*subscriberPlan

// discover returns the handlers exposed by sub in a stable order: a Listener
// registered directly, then HandlerProvider listeners, then tagged fields in
// declaration order, then handler methods in name order. Handler names are
// unique within a subscriber.
func discover(sub any) ([]handlerSpec, error) {
	specs, err := discoverSpecs(sub)
	if err != nil {
		return nil, err
	}
	if err := checkNames(reflect.TypeOf(sub), specs); err != nil {
		return nil, err
	}
	return specs, nil
}

func discoverSpecs(sub any) ([]handlerSpec, error) {
	t := reflect.TypeOf(sub)
	if l, ok := sub.(*Listener); ok {
		spec, err := listenerSpec(t, "Listener", l)
		if err != nil {
			return nil, err
		}
		if spec.name == "" {
			spec.name = "Listener[" + typeName(l.eventType) + "]"
		}
		return []handlerSpec{spec}, nil
	}

	var specs []handlerSpec
	if p, ok := sub.(HandlerProvider); ok {
		for i, l := range p.EventHandlers() {
			member := fmt.Sprintf("EventHandlers[%d]", i)
			spec, err := listenerSpec(t, member, l)
			if err != nil {
				return nil, err
			}
			if spec.name == "" {
				spec.name = ownerName(t) + "." + member
			}
			specs = append(specs, spec)
		}
	}

	plan := planFor(t)
	if plan.err != nil {
		return nil, plan.err
	}
	if len(plan.members) == 0 {
		return specs, nil
	}

	v := reflect.ValueOf(sub)
	sv := v
	if sv.Kind() == reflect.Pointer {
		sv = sv.Elem()
	}
	optioner, _ := sub.(ListenerOptioner)

	for _, m := range plan.members {
		var spec handlerSpec
		var err error
		switch m.kind {
		case memberField:
			spec, err = fieldSpec(t, m, sv.Field(m.index))
		case memberMethod:
			spec = methodSpec(m, v.Method(m.index))
			if optioner != nil {
				spec = applyListenerOptions(spec, optioner.ListenerOptions(m.name))
			}
		}
		if err != nil {
			return nil, err
		}
		if spec.name == "" {
			spec.name = ownerName(t) + "." + m.name
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// checkNames rejects two handlers of one subscriber sharing a name, since
// UnregisterHandler selects handlers by name.
func checkNames(owner reflect.Type, specs []handlerSpec) error {
	seen := make(map[string]string, len(specs))
	for _, spec := range specs {
		if prev, dup := seen[spec.name]; dup {
			return &InvalidHandlerSignatureError{
				Subscriber: owner,
				Member:     spec.member,
				Reason:     fmt.Sprintf("handler name %q already used by %s", spec.name, prev),
			}
		}
		seen[spec.name] = spec.member
	}
	return nil
}

func planFor(t reflect.Type) *subscriberPlan {
	if p, ok := planCache.Load(t); ok {
		return p.(*subscriberPlan)
	}
	p, _ := planCache.LoadOrStore(t, buildPlan(t))
	return p.(*subscriberPlan)
}

func buildPlan(t reflect.Type) *subscriberPlan {
	plan := &subscriberPlan{}

	st := t
	if st.Kind() == reflect.Pointer {
		st = st.Elem()
	}
	if st.Kind() == reflect.Struct {
		for i := 0; i < st.NumField(); i++ {
			f := st.Field(i)
			tag, ok := f.Tag.Lookup(TagName)
			if !ok || tag == "-" {
				continue
			}
			if !f.IsExported() {
				plan.err = &InvalidHandlerSignatureError{Subscriber: t, Member: f.Name, Reason: "tagged field must be exported"}
				return plan
			}
			opts, err := parseTag(tag)
			if err != nil {
				plan.err = &InvalidHandlerSignatureError{Subscriber: t, Member: f.Name, Reason: err.Error()}
				return plan
			}
			switch {
			case f.Type == listenerType:
				opts.isListener = true
			case f.Type.Kind() == reflect.Func:
				sig, reason := checkSignature(f.Type, 0)
				if reason != "" {
					plan.err = &InvalidHandlerSignatureError{Subscriber: t, Member: f.Name, Reason: reason}
					return plan
				}
				opts.signature = sig
			default:
				plan.err = &InvalidHandlerSignatureError{
					Subscriber: t,
					Member:     f.Name,
					Reason:     fmt.Sprintf("tagged field has type %s, want *eventbus.Listener or a handler func", f.Type),
				}
				return plan
			}
			plan.members = append(plan.members, memberPlan{kind: memberField, name: f.Name, index: i, tag: opts})
		}
	}

	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		if !isHandlerMethod(m.Name) {
			continue
		}
		// method types include the receiver
		sig, reason := checkSignature(m.Type, 1)
		if reason != "" {
			plan.err = &InvalidHandlerSignatureError{Subscriber: t, Member: m.Name, Reason: reason}
			return plan
		}
		plan.members = append(plan.members, memberPlan{
			kind:  memberMethod,
			name:  m.Name,
			index: i,
			tag:   tagOptions{signature: sig},
		})
	}
	return plan
}

func isHandlerMethod(name string) bool {
	rest, ok := strings.CutPrefix(name, MethodPrefix)
	if !ok || rest == "" {
		return false
	}
	r, _ := utf8.DecodeRuneInString(rest)
	return unicode.IsUpper(r)
}

// checkSignature validates a handler func type. Accepted shapes are
// func(E), func(E) error, func(context.Context, E) and
// func(context.Context, E) error. skip is the number of leading parameters
// to ignore.
func checkSignature(ft reflect.Type, skip int) (funcSignature, string) {
	var sig funcSignature
	if ft.IsVariadic() {
		return sig, "variadic handlers are not supported"
	}
	switch ft.NumIn() - skip {
	case 1:
		sig.eventType = ft.In(skip)
	case 2:
		if ft.In(skip) != contextType {
			return sig, fmt.Sprintf("first parameter must be context.Context, got %s", ft.In(skip))
		}
		sig.withCtx = true
		sig.eventType = ft.In(skip + 1)
	default:
		return sig, fmt.Sprintf("handler must take one event parameter, optionally preceded by context.Context, got %d parameters", ft.NumIn()-skip)
	}
	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) != errorType {
			return sig, fmt.Sprintf("handler may only return error, got %s", ft.Out(0))
		}
		sig.returnsErr = true
	default:
		return sig, fmt.Sprintf("handler may only return error, got %d results", ft.NumOut())
	}
	return sig, ""
}

func parseTag(tag string) (tagOptions, error) {
	opts := tagOptions{priority: DefaultPriority}
	for _, part := range strings.Split(tag, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		switch key {
		case "priority":
			p, err := ParsePriority(value)
			if err != nil {
				return opts, err
			}
			opts.priority = p
			opts.hasPriority = true
		case "cancelled":
			opts.cancelled = true
		case "name":
			opts.name = value
		default:
			return opts, fmt.Errorf("unknown tag option %q", key)
		}
	}
	return opts, nil
}

func listenerSpec(owner reflect.Type, member string, l *Listener) (handlerSpec, error) {
	if l == nil {
		return handlerSpec{}, &InvalidHandlerSignatureError{Subscriber: owner, Member: member, Reason: "listener is nil"}
	}
	if l.invoke == nil {
		return handlerSpec{}, &InvalidHandlerSignatureError{Subscriber: owner, Member: member, Reason: "listener has no handler func"}
	}
	return handlerSpec{
		member:           member,
		name:             l.name,
		eventType:        l.eventType,
		priority:         l.priority,
		receiveCancelled: l.receiveCancelled,
		invoke:           l.invoke,
	}, nil
}

func fieldSpec(owner reflect.Type, m memberPlan, fv reflect.Value) (handlerSpec, error) {
	if fv.IsNil() {
		return handlerSpec{}, &InvalidHandlerSignatureError{Subscriber: owner, Member: m.name, Reason: "field is nil"}
	}

	var spec handlerSpec
	if m.tag.isListener {
		var err error
		spec, err = listenerSpec(owner, m.name, fv.Interface().(*Listener))
		if err != nil {
			return spec, err
		}
	} else {
		spec = handlerSpec{
			eventType: m.tag.signature.eventType,
			priority:  DefaultPriority,
			invoke:    funcInvoker(fv, m.tag.signature),
		}
	}

	spec.member = m.name
	if m.tag.hasPriority {
		spec.priority = m.tag.priority
	}
	if m.tag.cancelled {
		spec.receiveCancelled = true
	}
	if m.tag.name != "" {
		spec.name = m.tag.name
	}
	return spec, nil
}

func methodSpec(m memberPlan, fn reflect.Value) handlerSpec {
	return handlerSpec{
		member:    m.name,
		eventType: m.tag.signature.eventType,
		priority:  DefaultPriority,
		invoke:    funcInvoker(fn, m.tag.signature),
	}
}

func applyListenerOptions(spec handlerSpec, opts []ListenerOption) handlerSpec {
	if len(opts) == 0 {
		return spec
	}
	l := &Listener{
		eventType: spec.eventType,
		invoke:    spec.invoke,
		priority:  spec.priority,
	}
	for _, opt := range opts {
		opt(l)
	}
	spec.priority = l.priority
	spec.receiveCancelled = l.receiveCancelled
	if l.name != "" {
		spec.name = l.name
	}
	return spec
}

// funcInvoker adapts a handler func value to invokeFunc.
func funcInvoker(fn reflect.Value, sig funcSignature) invokeFunc {
	return func(ctx context.Context, ev any) error {
		var args []reflect.Value
		if sig.withCtx {
			args = []reflect.Value{reflect.ValueOf(&ctx).Elem(), reflect.ValueOf(ev)}
		} else {
			args = []reflect.Value{reflect.ValueOf(ev)}
		}
		out := fn.Call(args)
		if sig.returnsErr && !out[0].IsNil() {
			return out[0].Interface().(error)
		}
		return nil
	}
}

func ownerName(t reflect.Type) string {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return typeName(t)
}
