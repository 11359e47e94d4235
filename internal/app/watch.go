package app

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ktamas77/ableton-link/internal/config"
)

// controller is the part of the engine a config reload may change.
type controller interface {
	SetTempo(bpm float64) error
	EnableStartStopSync(on bool)
}

const reloadDelay = 100 * time.Millisecond

// watchConfig reloads cfgPath whenever it changes and applies the live
// settings. The directory is watched since editors often replace the file.
func watchConfig(ctx context.Context, cfgPath string, cur config.Config, c controller) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(cfgPath)); err != nil {
		return err
	}
	want := filepath.Clean(cfgPath)

	var reload <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != want {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				// Editors write in bursts.
				reload = time.After(reloadDelay)
			}
		case <-reload:
			reload = nil
			next, err := config.Load(cfgPath)
			if err != nil {
				log.Printf("CONFIG: reload failed, keeping current settings: %v", err)
				continue
			}
			applyConfig(c, cur, next)
			cur = next
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Printf("CONFIG: watcher error: %v", err)
		}
	}
}

// applyConfig applies what changed between two configs. Fields that did not
// change in the file are left alone so a reload never undoes a tempo the
// session picked up from peers.
func applyConfig(c controller, prev, next config.Config) {
	if next.Session.Tempo != prev.Session.Tempo {
		if err := c.SetTempo(next.Session.Tempo); err != nil {
			log.Printf("CONFIG: tempo %v: %v", next.Session.Tempo, err)
		} else {
			log.Printf("CONFIG: tempo -> %.2f bpm", next.Session.Tempo)
		}
	}
	if next.Session.StartStopSync != prev.Session.StartStopSync {
		c.EnableStartStopSync(next.Session.StartStopSync)
		log.Printf("CONFIG: start/stop sync -> %v", next.Session.StartStopSync)
	}
	if next.Log.Level != prev.Log.Level {
		setLogLevel(next.Log.Level)
	}
	if next.Transport != prev.Transport || next.Monitor != prev.Monitor {
		log.Printf("CONFIG: transport and monitor changes apply on restart")
	}
}
