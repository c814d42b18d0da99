package config

import (
	"errors"
	"fmt"
	"io"
)

// ErrBadParameter 未识别的命令行参数
var ErrBadParameter = errors.New("bad parameter")

// Args 命令行参数
type Args struct {
	NoMulticast bool
	Help        bool
}

// ParseArgs 解析命令行参数（args[0] 为程序名）
// 仅支持 --no-multicast 与 --help，其他参数返回 ErrBadParameter
func ParseArgs(args []string) (Args, error) {
	var a Args
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--no-multicast":
			a.NoMulticast = true
		case "--help":
			a.Help = true
		default:
			return a, fmt.Errorf("%w: %s", ErrBadParameter, args[i])
		}
	}
	return a, nil
}

// Apply 用命令行参数覆盖配置
func (a Args) Apply(cfg *Config) {
	if a.NoMulticast {
		cfg.Bus.Multicast = false
	}
}

// PrintUsage 打印帮助信息
func PrintUsage(w io.Writer, program string) {
	fmt.Fprintf(w, "Usage: %s [options]\n", program)
	fmt.Fprintln(w, "Valid options are:")
	fmt.Fprintln(w, "    --no-multicast    Disables multicast discovery and uses the configured initial peers")
	fmt.Fprintln(w, "    --help            Displays this information")
}
