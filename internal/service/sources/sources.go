// Package sources lists the source files the debug information of a
// program refers to.
//
// The list is cached until a shared library is loaded or unloaded, or,
// when source directories are configured with sources.watch, until a file
// in them changes. Either way SourceFilesChanged is published.
package sources

import (
	"github.com/dshills/mictl/internal/cache"
	"github.com/dshills/mictl/internal/command"
	"github.com/dshills/mictl/internal/config"
	"github.com/dshills/mictl/internal/dmc"
	"github.com/dshills/mictl/internal/event/events"
	"github.com/dshills/mictl/internal/monitor"
	"github.com/dshills/mictl/internal/service"
	"github.com/dshills/mictl/internal/service/processes"
	"github.com/dshills/mictl/internal/session"
	"github.com/dshills/mictl/internal/status"
)

// Source is a source file named in the debug information.
type Source struct {
	// Name is the file name as recorded by the compiler.
	Name string

	// FullName is the absolute path the backend resolved, if any.
	FullName string
}

// Sources is the debug sources service.
type Sources struct {
	service.Base

	procs   *processes.Processes
	files   *cache.CommandCache
	watcher *dirWatcher
}

// New creates a sources service.
func New(sess *session.Session) *Sources {
	return &Sources{Base: service.NewBase(sess, service.RoleSources, "default")}
}

// Initialize implements session.Service.
func (s *Sources) Initialize(rm *monitor.RequestMonitor) {
	ch, err := service.Require[command.Channel](&s.Base, service.RoleControl)
	if err != nil {
		rm.DoneWith(err)
		return
	}
	procs, err := service.Require[*processes.Processes](&s.Base, service.RoleProcesses)
	if err != nil {
		rm.DoneWith(err)
		return
	}
	s.procs = procs
	s.files = cache.New("sources", s.Executor(), ch)
	s.files.SetContextAvailable(s.Control(), true)
	s.Track(ch.Subscribe(s.onNotification))
	if err := service.Subscribe(&s.Base, func(ev events.ContainerExited) { s.files.ResetContext(ev.Container) }); err != nil {
		s.Abandon(err, rm)
		return
	}

	if dirs := s.Attributes().StringSlice(config.KeySourcesWatch); len(dirs) > 0 {
		w, err := newDirWatcher(s.Executor(), s.Log(), dirs, DefaultDebounce, s.onFilesChanged)
		if err != nil {
			s.Abandon(status.Wrap(status.RequestFailed, err, "cannot watch source directories"), rm)
			return
		}
		s.watcher = w
		s.Track(func() {
			if err := w.Close(); err != nil {
				s.Log().Warn().Err(err).Msg("cannot close source watcher")
			}
		})
		s.Log().Debug().Strs("dirs", dirs).Msg("watching source directories")
	}
	if err := s.Register(s); err != nil {
		s.Abandon(err, rm)
		return
	}
	rm.Done()
}

// Shutdown implements session.Service.
func (s *Sources) Shutdown(rm *monitor.RequestMonitor) {
	s.watcher = nil
	s.Release()
	rm.Done()
}

// GetSources completes drm with the source files of the container of ctx,
// each listed once.
func (s *Sources) GetSources(ctx dmc.Context, drm *monitor.DataRequestMonitor[[]Source]) {
	cont, ok := dmc.Ancestor[*dmc.Container](ctx)
	if !ok {
		drm.Fail(status.InvalidHandle, "source files belong to a process")
		return
	}
	s.files.Execute(command.FileListExecSourceFiles(cont), monitor.ThenData(s.Executor(), drm.RequestMonitor, func(r *command.Reply) {
		seen := make(map[string]bool)
		var out []Source
		for _, f := range r.Results.Tuples("files") {
			src := Source{Name: f.String("file"), FullName: f.String("fullname")}
			key := src.FullName
			if key == "" {
				key = src.Name
			}
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, src)
		}
		drm.DoneData(out)
	}))
}

// FlushCache implements service.Caching.
func (s *Sources) FlushCache(ctx dmc.Context) {
	if ctx == nil {
		s.files.Reset()
		return
	}
	s.files.ResetContext(ctx)
}

func (s *Sources) onNotification(n *command.Notification) {
	switch n.Kind {
	case command.NotifyLibraryLoaded, command.NotifyLibraryUnloaded:
	default:
		return
	}
	group := n.Results.String("thread-group")
	if group == "" {
		group = processes.InitialGroup
	}
	cont := s.procs.ContainerForGroup(group)
	s.files.ResetContext(cont)
	s.Publish(events.SourceFilesChanged{Container: cont})
}

func (s *Sources) onFilesChanged(paths []string) {
	s.files.Reset()
	s.Log().Debug().Strs("paths", paths).Msg("source files changed")
	s.Publish(events.SourceFilesChanged{Paths: paths})
}
