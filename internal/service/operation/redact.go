package operation

import "regexp"

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`((?:PASSWORD|PASS|PWD|SECRET|TOKEN|KEY)[A-Z_]*=)('[^']*'|\S+)`),
	regexp.MustCompile(`(--requirepass\s+)('[^']*'|\S+)`),
	regexp.MustCompile(`(redis-cli\s+-a\s+)('[^']*'|\S+)`),
	regexp.MustCompile(`(\s-p\s+)('[^']*'|\S+)(\s+--authenticationDatabase)`),
}

// redactCommand hides credentials passed on the command line before the
// command is stored.
func redactCommand(cmd string) string {
	for i, re := range secretPatterns {
		if i == len(secretPatterns)-1 {
			cmd = re.ReplaceAllString(cmd, "${1}***${3}")
			continue
		}
		cmd = re.ReplaceAllString(cmd, "${1}***")
	}
	return cmd
}
