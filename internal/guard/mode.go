package guard

import (
	"strings"

	xerrors "github.com/kledx/shll-sub001/internal/errors"
)

// Mode 是实例的执行模式。
type Mode uint8

const (
	// ModeStrict 执行完整的分组与上限检查。
	ModeStrict Mode = iota
	// ModeManual 要求调用者为所有者或当前租用者，放宽 token 分组检查。
	ModeManual
	// ModeExplorer 用于无人值守执行，额度使用更严格的探索子上限。
	ModeExplorer
)

var modeNames = map[Mode]string{
	ModeStrict:   "STRICT",
	ModeManual:   "MANUAL",
	ModeExplorer: "EXPLORER",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return "UNKNOWN"
}

// MarshalText 实现 encoding.TextMarshaler。
func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText 实现 encoding.TextUnmarshaler。
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseMode 解析模式名，大小写不敏感。
func ParseMode(raw string) (Mode, error) {
	for m, name := range modeNames {
		if strings.EqualFold(strings.TrimSpace(raw), name) {
			return m, nil
		}
	}
	return 0, xerrors.Newf(xerrors.CodeInvalidArgument, "unknown execution mode %q", raw)
}
