package render

import (
	"fmt"
	"reflect"
	"slices"
	"text/template/parse"
)

// CheckFields reports top-level field references in the --format template
// that sample's type does not have, so a typo fails before the agent runs
// rather than after a long operation. Built-in layouts are not checked.
func (r *Renderer) CheckFields(sample any) error {
	if r.custom == nil {
		return nil
	}

	fields := make(map[string]bool)
	for _, t := range r.custom.Templates() {
		if t.Tree != nil && t.Root != nil {
			walkNode(t.Root, fields)
		}
	}

	typ := reflect.TypeOf(sample)
	for typ != nil && typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ == nil || typ.Kind() != reflect.Struct {
		return nil
	}

	var unknown []string
	for name := range fields {
		if _, ok := typ.FieldByName(name); !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		slices.Sort(unknown)
		return fmt.Errorf("format template references unknown %s fields: %v", typ.Name(), unknown)
	}
	return nil
}

// walkNode collects the first identifier of every .Field reference that
// is evaluated against the top-level value. Bodies of range and with
// rebind dot, so only their pipelines are inspected.
func walkNode(node parse.Node, fields map[string]bool) {
	if node == nil {
		return
	}

	switch n := node.(type) {
	case *parse.ListNode:
		if n == nil {
			return
		}
		for _, child := range n.Nodes {
			walkNode(child, fields)
		}

	case *parse.ActionNode:
		walkNode(n.Pipe, fields)

	case *parse.PipeNode:
		if n == nil {
			return
		}
		for _, cmd := range n.Cmds {
			walkCommand(cmd, fields)
		}

	case *parse.IfNode:
		walkNode(n.Pipe, fields)
		walkNode(n.List, fields)
		walkNode(n.ElseList, fields)

	case *parse.RangeNode:
		walkNode(n.Pipe, fields)
		walkNode(n.ElseList, fields)

	case *parse.WithNode:
		walkNode(n.Pipe, fields)
		walkNode(n.ElseList, fields)
	}
}

func walkCommand(cmd *parse.CommandNode, fields map[string]bool) {
	for _, arg := range cmd.Args {
		switch a := arg.(type) {
		case *parse.FieldNode:
			fields[a.Ident[0]] = true
		case *parse.PipeNode:
			walkNode(a, fields)
		}
	}
}
