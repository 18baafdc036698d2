package speech

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// espeakEngine drives espeak-ng (or the older espeak). `--voices` output has
// a fixed-ish column layout; the language tag is the second column and the
// voice name the fourth.
type espeakEngine struct {
	bin string
}

func newPlatformEngine() (Engine, error) {
	for _, bin := range []string{"espeak-ng", "espeak"} {
		if _, err := exec.LookPath(bin); err == nil {
			return espeakEngine{bin: bin}, nil
		}
	}
	return nil, fmt.Errorf("no speech engine found (install espeak-ng)")
}

func (e espeakEngine) Voices(ctx context.Context) ([]Voice, error) {
	out, err := exec.CommandContext(ctx, e.bin, "--voices").Output()
	if err != nil {
		return nil, fmt.Errorf("listing voices: %w", err)
	}

	var voices []Voice
	sc := bufio.NewScanner(bytes.NewReader(out))
	first := true
	for sc.Scan() {
		if first { // header row
			first = false
			continue
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 {
			continue
		}
		voices = append(voices, Voice{ID: fields[3], Language: fields[1]})
	}
	return voices, sc.Err()
}

func (e espeakEngine) Speak(ctx context.Context, voice, text string) error {
	args := []string{"--stdin"}
	if voice != "" {
		args = append(args, "-v", voice)
	}
	cmd := exec.CommandContext(ctx, e.bin, args...)
	cmd.Stdin = strings.NewReader(text)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w", e.bin, err)
	}
	return nil
}
