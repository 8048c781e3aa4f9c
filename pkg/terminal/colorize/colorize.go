package colorize

import (
	"fmt"
	"io"
	"strings"
)

// Style describes the style of a chunk of text.
type Style uint8

const (
	NormalStyle Style = iota
	KeywordStyle
	StringStyle
	NumberStyle
	CommentStyle
	LabelStyle
	LineNoStyle
	ArrowStyle
	TabStyle
)

// Print prints to out a syntax highlighted version of the assembly source
// lines, between lines startLine and endLine (1 based, endLine excluded).
// The line arrowLine is marked with an arrow.
func Print(out io.Writer, lines []string, startLine, endLine, arrowLine int, colorEscapes map[Style]string, altTabStr string) error {
	if startLine < 1 {
		startLine = 1
	}
	if endLine > len(lines)+1 {
		endLine = len(lines) + 1
	}
	w := &lineWriter{
		w:            out,
		colorEscapes: colorEscapes,
	}
	if len(altTabStr) > 0 {
		w.tabBytes = []byte(altTabStr)
	} else {
		w.tabBytes = []byte("\t")
	}

	for lineno := startLine; lineno < endLine; lineno++ {
		w.style(ArrowStyle)
		if lineno == arrowLine {
			fmt.Fprintf(w.w, "=>")
		} else {
			fmt.Fprintf(w.w, "  ")
		}
		w.style(LineNoStyle)
		fmt.Fprintf(w.w, "%4d:\t", lineno)
		for _, tok := range tokenize(lines[lineno-1]) {
			w.Write(tok.style, tok.text)
		}
		if w.colorEscapes != nil {
			w.style(NormalStyle)
		}
		if _, err := io.WriteString(w.w, "\n"); err != nil {
			return err
		}
	}
	return nil
}

type colorTok struct {
	style Style
	text  string
}

// tokenize splits a line of assembly into styled chunks. The first word of
// a statement is a directive or a mnemonic, a leading word followed by a
// colon is a label.
func tokenize(line string) []colorTok {
	var toks []colorTok
	code, comment := line, ""
	if i := commentStart(line); i >= 0 {
		code, comment = line[:i], line[i:]
	}

	first := true
	for len(code) > 0 {
		switch c := code[0]; {
		case c == ' ' || c == '\t' || c == ',' || c == '[' || c == ']' || c == '+':
			n := 1
			toks = append(toks, colorTok{NormalStyle, code[:n]})
			code = code[n:]
		case c == '"':
			n := strings.IndexByte(code[1:], '"')
			if n < 0 {
				n = len(code)
			} else {
				n += 2
			}
			toks = append(toks, colorTok{StringStyle, code[:n]})
			code = code[n:]
		default:
			n := strings.IndexAny(code, " \t,[]+\"")
			if n < 0 {
				n = len(code)
			}
			word := code[:n]
			style := NormalStyle
			switch {
			case first && strings.HasSuffix(word, ":"):
				style = LabelStyle
			case first:
				style = KeywordStyle
				first = false
			case isNumber(word):
				style = NumberStyle
			}
			toks = append(toks, colorTok{style, word})
			code = code[n:]
		}
	}
	if comment != "" {
		toks = append(toks, colorTok{CommentStyle, comment})
	}
	return toks
}

func commentStart(line string) int {
	instr := false
	for i := 0; i < len(line); i++ {
		switch {
		case line[i] == '"':
			instr = !instr
		case !instr && strings.HasPrefix(line[i:], "//"):
			return i
		}
	}
	return -1
}

func isNumber(s string) bool {
	s = strings.TrimPrefix(s, "-")
	if strings.HasPrefix(s, "0x") {
		s = s[2:]
		if s == "" {
			return false
		}
		for _, c := range s {
			if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
				return false
			}
		}
		return true
	}
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

type lineWriter struct {
	w io.Writer

	curStyle Style

	colorEscapes map[Style]string

	tabBytes []byte
}

func (w *lineWriter) style(style Style) {
	if w.colorEscapes == nil {
		return
	}
	esc := w.colorEscapes[style]
	if esc == "" {
		esc = w.colorEscapes[NormalStyle]
	}
	w.curStyle = style
	fmt.Fprintf(w.w, "%s", esc)
}

func (w *lineWriter) Write(style Style, data string) {
	if w.curStyle != style {
		w.style(style)
	}
	cur := 0
	for i := 0; i < len(data); i++ {
		if data[i] == '\t' {
			io.WriteString(w.w, data[cur:i])
			w.style(TabStyle)
			w.w.Write(w.tabBytes)
			w.style(style)
			cur = i + 1
		}
	}
	io.WriteString(w.w, data[cur:])
}
