package gcode

import (
	"strconv"
	"strings"
)

type commandClass int

const (
	classNone commandClass = iota
	classComment
	classMove
	classSetPosition
	classToolSelect
	classModeRelative
	classModeAbsolute
)

const (
	axisX = iota
	axisY
	axisZ
)

// command is one tokenized G-code line. Only the words the simulation cares
// about are kept.
type command struct {
	class   commandClass
	code    int
	tool    int
	axes    [3]float64
	hasAxis [3]bool
	feed    float64
	hasFeed bool
	e       float64
	hasE    bool
	comment string
}

func tokenize(line string) command {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}
	}
	if line[0] == ';' {
		return command{class: classComment, comment: line[1:]}
	}
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}
	}

	letter, number, ok := splitWord(fields[0])
	if !ok {
		return command{}
	}
	code, err := strconv.Atoi(number)
	if err != nil {
		return command{}
	}

	switch letter {
	case 'G':
		switch {
		case code >= 0 && code <= 3:
			cmd := command{class: classMove, code: code}
			parseMoveParams(&cmd, fields[1:])
			return cmd
		case code == 92:
			cmd := command{class: classSetPosition, code: code}
			parseMoveParams(&cmd, fields[1:])
			return cmd
		}
	case 'M':
		switch code {
		case 83:
			return command{class: classModeRelative, code: code}
		case 82:
			return command{class: classModeAbsolute, code: code}
		}
	case 'T':
		if code >= 0 {
			return command{class: classToolSelect, tool: code}
		}
	}
	return command{}
}

func parseMoveParams(cmd *command, params []string) {
	for _, p := range params {
		letter, number, ok := splitWord(p)
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(number, 64)
		if err != nil {
			continue
		}
		switch letter {
		case 'X':
			cmd.axes[axisX], cmd.hasAxis[axisX] = v, true
		case 'Y':
			cmd.axes[axisY], cmd.hasAxis[axisY] = v, true
		case 'Z':
			cmd.axes[axisZ], cmd.hasAxis[axisZ] = v, true
		case 'F':
			cmd.feed, cmd.hasFeed = v, true
		case 'E':
			cmd.e, cmd.hasE = v, true
		}
	}
}

func splitWord(word string) (byte, string, bool) {
	if len(word) < 2 {
		return 0, "", false
	}
	letter := word[0]
	if letter >= 'a' && letter <= 'z' {
		letter -= 'a' - 'A'
	}
	if letter < 'A' || letter > 'Z' {
		return 0, "", false
	}
	return letter, word[1:], true
}

// configInt reads "key = 123" from a slicer config comment.
func configInt(comment, key string) (int, bool) {
	i := strings.Index(comment, key)
	if i < 0 {
		return 0, false
	}
	rest := strings.TrimSpace(comment[i+len(key):])
	if !strings.HasPrefix(rest, "=") {
		return 0, false
	}
	rest = strings.TrimSpace(rest[1:])

	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0, false
	}
	return n, true
}
