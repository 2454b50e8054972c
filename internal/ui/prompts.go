package ui

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Confirm displays a yes/no question and returns the user's answer.
// Non-interactive sessions (pipes, CI) decline automatically so scripts
// never hang waiting for input.
func Confirm(question string) bool {
	prompt := fmt.Sprintf("%s [y/N] ", question)

	if !IsTerminal() {
		fmt.Printf("%s(non-interactive, assuming no)\n", prompt)
		return false
	}

	fmt.Print(prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		// On error (e.g., EOF), decline
		return false
	}

	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
