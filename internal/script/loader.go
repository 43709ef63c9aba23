package script

import (
	"regexp"
	"strings"
)

// execKind classifies script text for execution.
type execKind int

const (
	// kindPlain runs the text as-is in the shared scope.
	kindPlain execKind = iota
	// kindAsync wraps the text in an async IIFE so top-level await
	// executes despite being syntactically disallowed in plain scripts.
	kindAsync
	// kindModule runs the text under strict scoping with no implicit
	// global leakage.
	kindModule
)

var (
	// A leading "use module" directive marks module-style text, as do
	// import/export statements anywhere at line starts.
	moduleMarkerRe = regexp.MustCompile(`^\s*(?:'use module'|"use module");?`)
	importRe       = regexp.MustCompile(`(?m)^\s*import[\s("']`)
	exportRe       = regexp.MustCompile(`(?m)^\s*export\s`)

	awaitRe         = regexp.MustCompile(`\bawait\b`)
	exportDefaultRe = regexp.MustCompile(`(?m)^(\s*)export\s+default\s+`)
)

// trailer unconditionally attempts the bridge handoff with whatever the
// script deposited in the export slot, so the manager always receives a
// handoff attempt even when the script never calls the bridge itself.
// The bridge ignores empty values, so an earlier explicit registration
// is never clobbered.
const trailer = "\n;(function () {" +
	" if (typeof " + RegisterGlobal + " === 'function') {" +
	" " + RegisterGlobal + "(globalThis." + ExportGlobal + ");" +
	" } })();"

// classify decides how script text executes. Module-style markers win
// over the async rewrite: module text keeps its own scoping and any
// top-level await it contains is already legal there. The directive
// check runs on the raw text (the marker is itself a string literal);
// the keyword checks run on text with string and comment contents
// blanked so "await" inside a message or comment cannot force the
// async wrap and its function-scoped rewording of the script.
func classify(src string) execKind {
	if moduleMarkerRe.MatchString(src) {
		return kindModule
	}
	code := stripLiterals(src)
	if importRe.MatchString(code) || exportRe.MatchString(code) {
		return kindModule
	}
	if awaitRe.MatchString(code) {
		return kindAsync
	}
	return kindPlain
}

// stripLiterals blanks the contents of string literals and comments,
// keeping newlines so line-anchored patterns still see statement
// starts. Regex literals are not handled; a keyword inside one is a
// rare false positive the classifier tolerates.
func stripLiterals(src string) string {
	out := []byte(src)
	n := len(src)
	blank := func(j int) {
		if src[j] != '\n' {
			out[j] = ' '
		}
	}

	for i := 0; i < n; {
		switch c := src[i]; c {
		case '/':
			if i+1 < n && src[i+1] == '/' {
				j := i + 2
				for j < n && src[j] != '\n' {
					blank(j)
					j++
				}
				i = j
				continue
			}
			if i+1 < n && src[i+1] == '*' {
				j := i + 2
				for j < n && !(j+1 < n && src[j] == '*' && src[j+1] == '/') {
					blank(j)
					j++
				}
				if j+1 < n {
					j += 2
				}
				i = j
				continue
			}
			i++
		case '\'', '"', '`':
			j := i + 1
			for j < n && src[j] != c {
				if src[j] == '\\' && j+1 < n {
					blank(j)
					blank(j + 1)
					j += 2
					continue
				}
				blank(j)
				j++
			}
			i = j + 1
		default:
			i++
		}
	}
	return string(out)
}

// buildExecutable turns source text plus its classification into the
// final executable unit text.
func buildExecutable(src string, kind execKind) string {
	var b strings.Builder

	switch kind {
	case kindModule:
		// The embedded engine has no ES module loader: a default
		// export is rewritten onto the well-known export slot, and the
		// rest executes inside a strict IIFE. Remaining import/export
		// statements fail the load, which degrades that generation to
		// no adopted hooks.
		body := moduleMarkerRe.ReplaceAllString(src, "")
		body = exportDefaultRe.ReplaceAllString(body, "${1}globalThis."+ExportGlobal+" = ")
		b.WriteString("(function () {\n'use strict';\n")
		b.WriteString(body)
		b.WriteString("\n})();")

	case kindAsync:
		// The internal fault boundary turns a thrown error into a
		// reported one instead of an unhandled rejection.
		b.WriteString(";(async () => {\ntry {\n")
		b.WriteString(src)
		b.WriteString("\n} catch (err) { " + reportGlobal + "(err); }\n})();")

	default:
		b.WriteString(src)
	}

	b.WriteString(trailer)
	return b.String()
}
