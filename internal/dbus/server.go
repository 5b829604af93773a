package dbus

import (
	"context"
	"fmt"
	"log/slog"

	godbus "github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"pwmd/internal/logging"
)

const (
	Interface = "io.github.pwmd.Pwm1"
	RootPath  = godbus.ObjectPath("/io/github/pwmd")
)

// ChipPath is the object path of one chip.
func ChipPath(chip uint32) godbus.ObjectPath {
	return godbus.ObjectPath(fmt.Sprintf("%s/pwmchip%d", RootPath, chip))
}

// Connect opens the system or session bus.
func Connect(bus string) (*godbus.Conn, error) {
	switch bus {
	case "session":
		return godbus.ConnectSessionBus()
	case "system", "":
		return godbus.ConnectSystemBus()
	default:
		return nil, fmt.Errorf("unknown bus %q", bus)
	}
}

// Server owns the bus name and the exported objects.
type Server struct {
	conn *godbus.Conn
	svc  *Service
	name string
	log  *slog.Logger
}

// Serve exports the root object (implicit chip 0) plus one object per chip
// and then claims name. Objects are in place before the name is visible so
// the first call after NameAcquired finds them.
func Serve(conn *godbus.Conn, svc *Service, name string, chips []uint32, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = logging.NewNop()
	}
	s := &Server{conn: conn, svc: svc, name: name, log: log}

	children := make([]introspect.Node, 0, len(chips))
	for _, chip := range chips {
		children = append(children, introspect.Node{Name: fmt.Sprintf("pwmchip%d", chip)})
		if err := s.export(ChipPath(chip), &chipObject{svc: svc, chip: chip}, nil); err != nil {
			return nil, err
		}
	}
	if err := s.export(RootPath, &chipObject{svc: svc, chip: 0}, children); err != nil {
		return nil, err
	}

	reply, err := conn.RequestName(name, godbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, fmt.Errorf("request name %s: %w", name, err)
	}
	if reply != godbus.RequestNameReplyPrimaryOwner {
		return nil, fmt.Errorf("bus name %s already taken", name)
	}
	log.Info("dbus: serving", "name", name, "chips", len(chips))
	return s, nil
}

func (s *Server) export(path godbus.ObjectPath, obj *chipObject, children []introspect.Node) error {
	if err := s.conn.Export(obj, path, Interface); err != nil {
		return fmt.Errorf("export %s: %w", path, err)
	}
	node := &introspect.Node{
		Name: string(path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{Name: Interface, Methods: introspect.Methods(obj)},
		},
		Children: children,
	}
	if err := s.conn.Export(introspect.NewIntrospectable(node), path, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("export introspection %s: %w", path, err)
	}
	return nil
}

// Close drains in-flight calls, releases the name and closes the
// connection. Exported channels are left as they are.
func (s *Server) Close(ctx context.Context) error {
	drainErr := s.svc.Drain(ctx)
	if drainErr != nil {
		s.log.Warn("dbus: calls still running at shutdown", "error", drainErr)
	}
	if _, err := s.conn.ReleaseName(s.name); err != nil {
		s.log.Warn("dbus: release name failed", "name", s.name, "error", err)
	}
	if err := s.conn.Close(); err != nil {
		return err
	}
	return drainErr
}
