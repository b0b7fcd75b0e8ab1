// Package vedbus exposes a bus.Store on D-Bus using the com.victronenergy.BusItem
// object model, one object per path plus a root object answering GetItems.
package vedbus

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-fronius-meter/internal/bus"
)

const (
	busItemInterface = "com.victronenergy.BusItem"
	introspectable   = "org.freedesktop.DBus.Introspectable"
	errorName        = "com.victronenergy.BusItem.Error"

	setTimeout = 5 * time.Second
)

// ErrNameTaken is returned when another process already owns the service name.
var ErrNameTaken = errors.New("service name already taken")

const itemIntrospection = `
<node>
  <interface name="com.victronenergy.BusItem">
    <signal name="PropertiesChanged">
      <arg type="a{sv}" name="properties" />
    </signal>
    <method name="SetValue">
      <arg direction="in" type="v" name="value" />
      <arg direction="out" type="i" />
    </method>
    <method name="GetText">
      <arg direction="out" type="s" />
    </method>
    <method name="GetValue">
      <arg direction="out" type="v" />
    </method>
  </interface>` + introspect.IntrospectDataString + `</node>`

const rootIntrospection = `
<node>
  <interface name="com.victronenergy.BusItem">
    <signal name="ItemsChanged">
      <arg type="a{sa{sv}}" name="items" />
    </signal>
    <method name="GetItems">
      <arg direction="out" type="a{sa{sv}}" name="values" />
    </method>
    <method name="GetValue">
      <arg direction="out" type="v" />
    </method>
    <method name="GetText">
      <arg direction="out" type="s" />
    </method>
  </interface>` + introspect.IntrospectDataString + `</node>`

// Conn is the part of *dbus.Conn the service uses.
type Conn interface {
	Export(v interface{}, path dbus.ObjectPath, iface string) error
	Emit(path dbus.ObjectPath, name string, values ...interface{}) error
	RequestName(name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error)
	Close() error
}

// Dial connects to the system bus, the session bus or an explicit bus address.
func Dial(address string) (*dbus.Conn, error) {
	switch address {
	case "", "system":
		return dbus.ConnectSystemBus()
	case "session":
		return dbus.ConnectSessionBus()
	default:
		return dbus.Connect(address)
	}
}

// Service is a D-Bus bus service.
type Service struct {
	*bus.Store

	name   string
	conn   Conn
	logger zerolog.Logger
}

// New creates an unregistered service that will be published under name on conn.
func New(name string, conn Conn) *Service {
	s := &Service{
		Store:  bus.NewStore(),
		name:   name,
		conn:   conn,
		logger: log.With().Str("component", "vedbus").Str("service", name).Logger(),
	}
	s.Subscribe(s.emitChange)
	return s
}

// Name returns the well-known bus name.
func (s *Service) Name() string {
	return s.name
}

// Register exports every declared path and then claims the service name, so clients
// never see a partially populated service.
func (s *Service) Register(_ context.Context) error {
	if err := s.MarkRegistered(); err != nil {
		return err
	}

	for _, path := range s.Paths() {
		objectPath := dbus.ObjectPath(path)
		if err := s.conn.Export(&item{service: s, path: path}, objectPath, busItemInterface); err != nil {
			return fmt.Errorf("failed to export %s: %w", path, err)
		}
		if err := s.conn.Export(introspect.Introspectable(itemIntrospection), objectPath, introspectable); err != nil {
			return fmt.Errorf("failed to export introspection for %s: %w", path, err)
		}
		s.logger.Debug().Str("path", path).Msg("Exported path")
	}

	if err := s.conn.Export(&root{service: s}, "/", busItemInterface); err != nil {
		return fmt.Errorf("failed to export root: %w", err)
	}
	if err := s.conn.Export(introspect.Introspectable(rootIntrospection), "/", introspectable); err != nil {
		return fmt.Errorf("failed to export root introspection: %w", err)
	}

	reply, err := s.conn.RequestName(s.name, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("failed to request name %s: %w", s.name, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("%s: %w", s.name, ErrNameTaken)
	}

	s.logger.Info().Int("paths", len(s.Paths())).Msg("Registered on D-Bus")
	return nil
}

// Close closes the bus connection.
func (s *Service) Close() error {
	return s.conn.Close()
}

func (s *Service) emitChange(path string, value interface{}) {
	text := s.text(path, value)
	props := map[string]dbus.Variant{
		"Value": Variant(value),
		"Text":  dbus.MakeVariant(text),
	}

	if err := s.conn.Emit(dbus.ObjectPath(path), busItemInterface+".PropertiesChanged", props); err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("Failed to emit PropertiesChanged")
	}

	items := map[string]map[string]dbus.Variant{path: props}
	if err := s.conn.Emit("/", busItemInterface+".ItemsChanged", items); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to emit ItemsChanged")
	}
}

func (s *Service) text(path string, value interface{}) string {
	if it, ok := s.Item(path); ok {
		return bus.Text(value, it.Unit)
	}
	return bus.Text(value, "")
}

// Variant wraps a stored value for the wire. Integers travel as int32, or int64 when
// they do not fit, and a missing value as an empty array, which bus clients read as
// invalid.
func Variant(value interface{}) dbus.Variant {
	switch v := value.(type) {
	case nil:
		return dbus.MakeVariant([]int32{})
	case int:
		return intVariant(int64(v))
	case int64:
		return intVariant(v)
	case float32:
		return dbus.MakeVariant(float64(v))
	default:
		return dbus.MakeVariant(v)
	}
}

func intVariant(v int64) dbus.Variant {
	if v < math.MinInt32 || v > math.MaxInt32 {
		return dbus.MakeVariant(v)
	}
	return dbus.MakeVariant(int32(v))
}

// FromVariant converts an incoming variant to the store's value types. Integers
// become int unless they overflow it.
func FromVariant(v dbus.Variant) interface{} {
	switch value := v.Value().(type) {
	case byte:
		return int(value)
	case int16:
		return int(value)
	case uint16:
		return int(value)
	case int32:
		return int(value)
	case uint32:
		return fromInt64(int64(value))
	case int64:
		return fromInt64(value)
	case uint64:
		if value > math.MaxInt64 {
			return value
		}
		return fromInt64(int64(value))
	case []int32:
		if len(value) == 0 {
			return nil
		}
		return value
	default:
		return value
	}
}

func fromInt64(v int64) interface{} {
	if v < math.MinInt || v > math.MaxInt {
		return v
	}
	return int(v)
}

type item struct {
	service *Service
	path    string
}

func (i *item) GetValue() (dbus.Variant, *dbus.Error) {
	value, ok := i.service.Get(i.path)
	if !ok {
		return dbus.Variant{}, dbus.NewError(errorName, []interface{}{"unknown path " + i.path})
	}
	return Variant(value), nil
}

func (i *item) GetText() (string, *dbus.Error) {
	it, ok := i.service.Item(i.path)
	if !ok {
		return "", dbus.NewError(errorName, []interface{}{"unknown path " + i.path})
	}
	return it.Text, nil
}

// SetValue returns 0 when the value was accepted and 1 otherwise.
func (i *item) SetValue(value dbus.Variant) (int32, *dbus.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), setTimeout)
	defer cancel()

	newValue := FromVariant(value)
	if err := i.service.RemoteSet(ctx, i.path, newValue); err != nil {
		i.service.logger.Debug().Err(err).Str("path", i.path).Msg("SetValue refused")
		return 1, nil
	}
	return 0, nil
}

type root struct {
	service *Service
}

func (r *root) GetItems() (map[string]map[string]dbus.Variant, *dbus.Error) {
	items := r.service.Items()
	result := make(map[string]map[string]dbus.Variant, len(items))
	for _, it := range items {
		result[it.Path] = map[string]dbus.Variant{
			"Value": Variant(it.Value),
			"Text":  dbus.MakeVariant(it.Text),
		}
	}
	return result, nil
}

// GetValue on the root returns every value keyed by its path without the leading slash.
func (r *root) GetValue() (dbus.Variant, *dbus.Error) {
	items := r.service.Items()
	values := make(map[string]dbus.Variant, len(items))
	for _, it := range items {
		values[strings.TrimPrefix(it.Path, "/")] = Variant(it.Value)
	}
	return dbus.MakeVariant(values), nil
}

func (r *root) GetText() (string, *dbus.Error) {
	return r.service.name, nil
}
