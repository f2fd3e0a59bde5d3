package template

import (
	"fmt"
	"strings"
)

// tplTok is a single lexical unit of the outer template scanner: a
// run of literal text, a {{ expr }} tag, or a {% ... %} control tag.
type tplTokKind int

const (
	tplText tplTokKind = iota
	tplExpr
	tplIf
	tplElif
	tplElse
	tplEndif
	tplFor
	tplEndfor
)

type tplTok struct {
	kind tplTokKind
	// text holds the literal text for tplText, the trimmed expression
	// source for tplExpr/tplIf/tplElif, and "<var> in <iterExpr>" for
	// tplFor.
	text string
}

// scanTemplate splits raw into a flat token stream, recognizing
// "{{ expr }}" value tags and "{% tag ... %}" control tags in the
// order they appear.
func scanTemplate(raw string) ([]tplTok, error) {
	var toks []tplTok
	i := 0
	for i < len(raw) {
		nextExpr := strings.Index(raw[i:], "{{")
		nextTag := strings.Index(raw[i:], "{%")

		if nextExpr < 0 && nextTag < 0 {
			toks = append(toks, tplTok{kind: tplText, text: raw[i:]})
			break
		}

		var useTag bool
		if nextExpr < 0 {
			useTag = true
		} else if nextTag < 0 {
			useTag = false
		} else {
			useTag = nextTag < nextExpr
		}

		if useTag {
			if nextTag > 0 {
				toks = append(toks, tplTok{kind: tplText, text: raw[i : i+nextTag]})
			}
			start := i + nextTag + 2
			end := strings.Index(raw[start:], "%}")
			if end < 0 {
				return nil, fmt.Errorf("template: unterminated {%%")
			}
			body := strings.TrimSpace(raw[start : start+end])
			tok, err := parseControlTag(body)
			if err != nil {
				return nil, err
			}
			toks = append(toks, tok)
			i = start + end + 2
		} else {
			if nextExpr > 0 {
				toks = append(toks, tplTok{kind: tplText, text: raw[i : i+nextExpr]})
			}
			start := i + nextExpr + 2
			end := strings.Index(raw[start:], "}}")
			if end < 0 {
				return nil, fmt.Errorf("template: unterminated {{")
			}
			body := strings.TrimSpace(raw[start : start+end])
			toks = append(toks, tplTok{kind: tplExpr, text: body})
			i = start + end + 2
		}
	}
	return toks, nil
}

func parseControlTag(body string) (tplTok, error) {
	fields := strings.SplitN(body, " ", 2)
	keyword := fields[0]
	rest := ""
	if len(fields) > 1 {
		rest = strings.TrimSpace(fields[1])
	}
	switch keyword {
	case "if":
		return tplTok{kind: tplIf, text: rest}, nil
	case "elif":
		return tplTok{kind: tplElif, text: rest}, nil
	case "else":
		return tplTok{kind: tplElse}, nil
	case "endif":
		return tplTok{kind: tplEndif}, nil
	case "for":
		return tplTok{kind: tplFor, text: rest}, nil
	case "endfor":
		return tplTok{kind: tplEndfor}, nil
	default:
		return tplTok{}, fmt.Errorf("template: unknown control tag %q", keyword)
	}
}

// templateNode is the parsed block-structure AST built from a tplTok
// stream.
type templateNode interface{ isTemplateNode() }

type textTplNode struct{ text string }
type exprTplNode struct{ src string }

type ifBranch struct {
	condSrc string
	body    []templateNode
}
type ifTplNode struct {
	branches []ifBranch
	elseBody []templateNode
}

type forTplNode struct {
	varName string
	iterSrc string
	body    []templateNode
}

func (textTplNode) isTemplateNode() {}
func (exprTplNode) isTemplateNode() {}
func (ifTplNode) isTemplateNode()   {}
func (forTplNode) isTemplateNode()  {}

// parseTemplate builds the block AST for the full token stream.
func parseTemplate(toks []tplTok) ([]templateNode, error) {
	nodes, rest, err := parseBlock(toks)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("template: unexpected closing tag")
	}
	return nodes, nil
}

// parseBlock consumes toks until it hits a block-closing tag it
// doesn't own (elif/else/endif/endfor) or runs out of input, returning
// the parsed nodes and the unconsumed remainder (starting at the
// closing tag, if any).
func parseBlock(toks []tplTok) ([]templateNode, []tplTok, error) {
	var nodes []templateNode
	for len(toks) > 0 {
		t := toks[0]
		switch t.kind {
		case tplText:
			nodes = append(nodes, textTplNode{text: t.text})
			toks = toks[1:]
		case tplExpr:
			nodes = append(nodes, exprTplNode{src: t.text})
			toks = toks[1:]
		case tplElif, tplElse, tplEndif, tplEndfor:
			return nodes, toks, nil
		case tplIf:
			ifNode, remaining, err := parseIf(toks)
			if err != nil {
				return nil, nil, err
			}
			nodes = append(nodes, ifNode)
			toks = remaining
		case tplFor:
			forNode, remaining, err := parseFor(toks)
			if err != nil {
				return nil, nil, err
			}
			nodes = append(nodes, forNode)
			toks = remaining
		default:
			return nil, nil, fmt.Errorf("template: unexpected token")
		}
	}
	return nodes, nil, nil
}

func parseIf(toks []tplTok) (ifTplNode, []tplTok, error) {
	first := toks[0]
	toks = toks[1:]
	body, rest, err := parseBlock(toks)
	if err != nil {
		return ifTplNode{}, nil, err
	}
	node := ifTplNode{branches: []ifBranch{{condSrc: first.text, body: body}}}

	for len(rest) > 0 {
		switch rest[0].kind {
		case tplElif:
			cond := rest[0].text
			rest = rest[1:]
			b, remaining, err := parseBlock(rest)
			if err != nil {
				return ifTplNode{}, nil, err
			}
			node.branches = append(node.branches, ifBranch{condSrc: cond, body: b})
			rest = remaining
		case tplElse:
			rest = rest[1:]
			b, remaining, err := parseBlock(rest)
			if err != nil {
				return ifTplNode{}, nil, err
			}
			node.elseBody = b
			rest = remaining
		case tplEndif:
			return node, rest[1:], nil
		default:
			return ifTplNode{}, nil, fmt.Errorf("template: expected {%% endif %%}")
		}
	}
	return ifTplNode{}, nil, fmt.Errorf("template: unterminated {%% if %%}")
}

func parseFor(toks []tplTok) (forTplNode, []tplTok, error) {
	header := toks[0].text
	toks = toks[1:]

	parts := strings.SplitN(header, " in ", 2)
	if len(parts) != 2 {
		return forTplNode{}, nil, fmt.Errorf("template: malformed for header %q, expected 'x in expr'", header)
	}
	node := forTplNode{varName: strings.TrimSpace(parts[0]), iterSrc: strings.TrimSpace(parts[1])}

	body, rest, err := parseBlock(toks)
	if err != nil {
		return forTplNode{}, nil, err
	}
	node.body = body

	if len(rest) == 0 || rest[0].kind != tplEndfor {
		return forTplNode{}, nil, fmt.Errorf("template: unterminated {%% for %%}")
	}
	return node, rest[1:], nil
}

var celEval = celConditionEvaluator{}

// renderNodes walks the block AST, producing string output.
func renderNodes(nodes []templateNode, scope *Scope) (string, error) {
	var sb strings.Builder
	for _, n := range nodes {
		switch t := n.(type) {
		case textTplNode:
			sb.WriteString(t.text)

		case exprTplNode:
			v, err := evalPipelineExpr(t.src, scope.Bindings())
			if err != nil {
				return "", err
			}
			sb.WriteString(toString(v))

		case ifTplNode:
			matched := false
			for _, br := range t.branches {
				ok, err := celEval.EvaluateCondition(br.condSrc, scope.Bindings())
				if err != nil {
					return "", err
				}
				if ok {
					s, err := renderNodes(br.body, scope)
					if err != nil {
						return "", err
					}
					sb.WriteString(s)
					matched = true
					break
				}
			}
			if !matched && t.elseBody != nil {
				s, err := renderNodes(t.elseBody, scope)
				if err != nil {
					return "", err
				}
				sb.WriteString(s)
			}

		case forTplNode:
			iterExpr, err := parseExpr(t.iterSrc)
			if err != nil {
				return "", err
			}
			iterVal, err := evalNode(iterExpr, scope.Bindings())
			if err != nil {
				return "", err
			}
			items, ok := iterVal.([]any)
			if !ok {
				return "", fmt.Errorf("template: {%% for %%} iterable %q is not a list", t.iterSrc)
			}
			for idx, item := range items {
				iterScope := scope.WithLocal(t.varName, item).
					WithLocal(t.varName+"_index", float64(idx)).
					WithLocal(t.varName+"_row", float64(idx+1))
				s, err := renderNodes(t.body, iterScope)
				if err != nil {
					return "", err
				}
				sb.WriteString(s)
			}
		}
	}
	return sb.String(), nil
}

// isSoleExpression reports whether raw is exactly one {{ expr }} tag
// with no surrounding literal text, in which case Evaluate returns
// the evaluated value's native type instead of a stringified render.
func isSoleExpression(toks []tplTok) (string, bool) {
	if len(toks) != 1 || toks[0].kind != tplExpr {
		return "", false
	}
	return toks[0].text, true
}
