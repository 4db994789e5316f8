package dispatcher

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"go.uber.org/zap"
)

const finishCommand = "finish-job"

// finishRequested polls the finish file at most once per FinishPollInterval.
// Only the dispatch goroutine calls it.
func (d *Dispatcher) finishRequested() bool {
	if d.cfg.FinishFile == "" {
		return false
	}
	now := d.sc.Clock.Now()
	if !d.lastFinish.IsZero() && now.Sub(d.lastFinish) < d.cfg.FinishPollInterval {
		return false
	}
	d.lastFinish = now

	remove := d.removeFile
	if remove == nil {
		remove = os.Remove
	}
	found, err := consumeFinishCommand(d.cfg.FinishFile, d.cfg.JobName, remove)
	switch {
	case err != nil && found:
		// The command still counts.
		d.logger.Warn("remove finish file failed", zap.String("path", d.cfg.FinishFile), zap.Error(err))
	case err != nil:
		d.logger.Warn("read finish file failed", zap.String("path", d.cfg.FinishFile), zap.Error(err))
	}
	return found
}

// consumeFinishCommand reports whether path holds a finish-job command for
// job and removes the file when it does. A bare "finish-job" line matches any
// job. A failed remove is returned alongside found == true.
func consumeFinishCommand(path, job string, remove func(string) error) (bool, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	found := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() && !found {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || fields[0] != finishCommand {
			continue
		}
		found = len(fields) == 1 || job == "" || fields[1] == job
	}
	scanErr := scanner.Err()
	_ = f.Close()
	if scanErr != nil {
		return false, scanErr
	}
	if found {
		if err := remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return true, fmt.Errorf("remove finish file: %w", err)
		}
	}
	return found, nil
}

// RequestFinish appends a finish-job command for job to path. An empty job
// stops any crawl polling path.
func RequestFinish(path, job string) error {
	if path == "" {
		return errors.New("finish file path is empty")
	}
	line := finishCommand
	if job != "" {
		line += " " + job
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open finish file: %w", err)
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("write finish file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close finish file: %w", err)
	}
	return nil
}
