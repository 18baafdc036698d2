package speech

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// sayEngine drives the macOS `say` tool. Voice listing parses `say -v ?`
// lines of the form "Samantha  en_US  # Hello! ...".
type sayEngine struct{}

func newPlatformEngine() (Engine, error) {
	if _, err := exec.LookPath("say"); err != nil {
		return nil, fmt.Errorf("say not found: %w", err)
	}
	return sayEngine{}, nil
}

func (sayEngine) Voices(ctx context.Context) ([]Voice, error) {
	out, err := exec.CommandContext(ctx, "say", "-v", "?").Output()
	if err != nil {
		return nil, fmt.Errorf("listing voices: %w", err)
	}

	var voices []Voice
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		hash := strings.Index(line, "#")
		if hash > 0 {
			line = line[:hash]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		lang := fields[len(fields)-1]
		name := strings.Join(fields[:len(fields)-1], " ")
		voices = append(voices, Voice{
			ID:       name,
			Language: strings.ReplaceAll(lang, "_", "-"),
			Enhanced: strings.Contains(name, "(Enhanced)") || strings.Contains(name, "(Premium)"),
		})
	}
	return voices, sc.Err()
}

func (sayEngine) Speak(ctx context.Context, voice, text string) error {
	args := []string{}
	if voice != "" {
		args = append(args, "-v", voice)
	}
	cmd := exec.CommandContext(ctx, "say", args...)
	cmd.Stdin = strings.NewReader(text)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("say: %w", err)
	}
	return nil
}
