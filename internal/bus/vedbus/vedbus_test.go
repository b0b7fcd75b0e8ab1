package vedbus

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resident-x/go-fronius-meter/internal/bus"
	"github.com/resident-x/go-fronius-meter/internal/domain"
)

type emitted struct {
	path   dbus.ObjectPath
	name   string
	values []interface{}
}

type fakeConn struct {
	mutex    sync.Mutex
	exports  map[dbus.ObjectPath]map[string]interface{}
	emits    []emitted
	names    []string
	reply    dbus.RequestNameReply
	nameErr  error
	closed   bool
	exportOK bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		exports:  make(map[dbus.ObjectPath]map[string]interface{}),
		reply:    dbus.RequestNameReplyPrimaryOwner,
		exportOK: true,
	}
}

func (f *fakeConn) Export(v interface{}, path dbus.ObjectPath, iface string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if !f.exportOK {
		return errors.New("export failed")
	}
	if f.exports[path] == nil {
		f.exports[path] = make(map[string]interface{})
	}
	f.exports[path][iface] = v
	return nil
}

func (f *fakeConn) Emit(path dbus.ObjectPath, name string, values ...interface{}) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.emits = append(f.emits, emitted{path: path, name: name, values: values})
	return nil
}

func (f *fakeConn) RequestName(name string, _ dbus.RequestNameFlags) (dbus.RequestNameReply, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.names = append(f.names, name)
	return f.reply, f.nameErr
}

func (f *fakeConn) Close() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) busItem(t *testing.T, path string) interface{} {
	t.Helper()
	f.mutex.Lock()
	defer f.mutex.Unlock()
	obj, ok := f.exports[dbus.ObjectPath(path)][busItemInterface]
	require.True(t, ok, "no bus item at %s", path)
	return obj
}

func newRegistered(t *testing.T) (*Service, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	service := New(domain.DefaultServiceName, conn)

	for _, spec := range domain.MeterPaths() {
		require.NoError(t, service.AddPath(spec))
	}
	require.NoError(t, service.AddPath(domain.PathSpec{Path: "/ProductId", Value: 16}))
	require.NoError(t, service.Register(context.Background()))
	return service, conn
}

func TestRegisterExportsAllPaths(t *testing.T) {
	service, conn := newRegistered(t)

	assert.Equal(t, []string{domain.DefaultServiceName}, conn.names)
	assert.Equal(t, domain.DefaultServiceName, service.Name())

	for _, path := range service.Paths() {
		conn.busItem(t, path)
		assert.Contains(t, conn.exports[dbus.ObjectPath(path)], introspectable)
	}
	conn.busItem(t, "/")

	// Nothing is emitted during registration
	assert.Empty(t, conn.emits)
}

func TestRegisterNameTaken(t *testing.T) {
	conn := newFakeConn()
	conn.reply = dbus.RequestNameReplyExists
	service := New(domain.DefaultServiceName, conn)
	require.NoError(t, service.AddPath(domain.PathSpec{Path: "/Connected", Value: 1}))

	err := service.Register(context.Background())
	assert.ErrorIs(t, err, ErrNameTaken)
}

func TestRegisterRequestNameError(t *testing.T) {
	conn := newFakeConn()
	conn.nameErr = errors.New("access denied")
	service := New(domain.DefaultServiceName, conn)

	err := service.Register(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestRegisterExportError(t *testing.T) {
	conn := newFakeConn()
	conn.exportOK = false
	service := New(domain.DefaultServiceName, conn)
	require.NoError(t, service.AddPath(domain.PathSpec{Path: "/Connected", Value: 1}))

	require.Error(t, service.Register(context.Background()))
	assert.Empty(t, conn.names)
}

func TestRegisterTwice(t *testing.T) {
	service, _ := newRegistered(t)
	assert.ErrorIs(t, service.Register(context.Background()), bus.ErrRegistered)
}

func TestItemGetValueAndText(t *testing.T) {
	service, conn := newRegistered(t)
	require.NoError(t, service.Set(domain.PathL1Voltage, 230.5))

	voltage := conn.busItem(t, domain.PathL1Voltage).(*item)
	value, dbusErr := voltage.GetValue()
	require.Nil(t, dbusErr)
	assert.Equal(t, 230.5, value.Value())

	text, dbusErr := voltage.GetText()
	require.Nil(t, dbusErr)
	assert.Equal(t, "230.5V", text)

	productID := conn.busItem(t, "/ProductId").(*item)
	value, _ = productID.GetValue()
	assert.Equal(t, int32(16), value.Value())
}

func TestItemSetValue(t *testing.T) {
	service, conn := newRegistered(t)

	power := conn.busItem(t, domain.PathAcPower).(*item)
	result, dbusErr := power.SetValue(dbus.MakeVariant(123.0))
	require.Nil(t, dbusErr)
	assert.Equal(t, int32(0), result)

	value, _ := service.Get(domain.PathAcPower)
	assert.Equal(t, 123.0, value)

	productID := conn.busItem(t, "/ProductId").(*item)
	result, _ = productID.SetValue(dbus.MakeVariant(int32(17)))
	assert.Equal(t, int32(1), result)

	value, _ = service.Get("/ProductId")
	assert.Equal(t, 16, value)
}

func TestItemSetValueIntegerNormalized(t *testing.T) {
	service, conn := newRegistered(t)

	index := conn.busItem(t, domain.PathUpdateIndex).(*item)
	result, _ := index.SetValue(dbus.MakeVariant(int32(9)))
	assert.Equal(t, int32(0), result)

	value, _ := service.Get(domain.PathUpdateIndex)
	assert.Equal(t, 9, value)
}

func TestChangesAreEmitted(t *testing.T) {
	service, conn := newRegistered(t)

	require.NoError(t, service.Set(domain.PathAcPower, 450.0))

	require.Len(t, conn.emits, 2)
	assert.Equal(t, dbus.ObjectPath(domain.PathAcPower), conn.emits[0].path)
	assert.Equal(t, "com.victronenergy.BusItem.PropertiesChanged", conn.emits[0].name)

	props := conn.emits[0].values[0].(map[string]dbus.Variant)
	assert.Equal(t, 450.0, props["Value"].Value())
	assert.Equal(t, "450W", props["Text"].Value())

	assert.Equal(t, dbus.ObjectPath("/"), conn.emits[1].path)
	assert.Equal(t, "com.victronenergy.BusItem.ItemsChanged", conn.emits[1].name)
	items := conn.emits[1].values[0].(map[string]map[string]dbus.Variant)
	assert.Contains(t, items, domain.PathAcPower)
}

func TestRootGetItems(t *testing.T) {
	service, conn := newRegistered(t)
	require.NoError(t, service.Set(domain.PathEnergyForward, 12.0))

	r := conn.busItem(t, "/").(*root)
	items, dbusErr := r.GetItems()
	require.Nil(t, dbusErr)
	assert.Len(t, items, 14)
	assert.Equal(t, 12.0, items[domain.PathEnergyForward]["Value"].Value())
	assert.Equal(t, "12kWh", items[domain.PathEnergyForward]["Text"].Value())

	value, _ := r.GetValue()
	values := value.Value().(map[string]dbus.Variant)
	assert.Equal(t, 12.0, values["Ac/Energy/Forward"].Value())

	text, _ := r.GetText()
	assert.Equal(t, domain.DefaultServiceName, text)
}

func TestVariant(t *testing.T) {
	assert.Equal(t, int32(5), Variant(5).Value())
	assert.Equal(t, int32(5), Variant(int64(5)).Value())
	assert.Equal(t, 1.5, Variant(1.5).Value())
	assert.Equal(t, 1.5, Variant(float32(1.5)).Value())
	assert.Equal(t, "x", Variant("x").Value())
	assert.Equal(t, []int32{}, Variant(nil).Value())
}

func TestFromVariant(t *testing.T) {
	assert.Equal(t, 7, FromVariant(dbus.MakeVariant(int32(7))))
	assert.Equal(t, 7, FromVariant(dbus.MakeVariant(uint32(7))))
	assert.Equal(t, 7, FromVariant(dbus.MakeVariant(int64(7))))
	assert.Equal(t, 7, FromVariant(dbus.MakeVariant(byte(7))))
	assert.Equal(t, 2.5, FromVariant(dbus.MakeVariant(2.5)))
	assert.Equal(t, "on", FromVariant(dbus.MakeVariant("on")))
	assert.Nil(t, FromVariant(dbus.MakeVariant([]int32{})))
}

func TestVariantOutsideInt32(t *testing.T) {
	assert.Equal(t, int64(math.MaxInt32+1), Variant(int64(math.MaxInt32+1)).Value())
	assert.Equal(t, int64(math.MinInt32-1), Variant(int64(math.MinInt32-1)).Value())
	assert.Equal(t, int32(math.MaxInt32), Variant(int64(math.MaxInt32)).Value())
	assert.Equal(t, int32(math.MinInt32), Variant(int64(math.MinInt32)).Value())
}

func TestFromVariantLargeUnsigned(t *testing.T) {
	assert.Equal(t, uint64(math.MaxUint64), FromVariant(dbus.MakeVariant(uint64(math.MaxUint64))))
	assert.Equal(t, 42, FromVariant(dbus.MakeVariant(uint64(42))))
}

func TestClose(t *testing.T) {
	service, conn := newRegistered(t)
	require.NoError(t, service.Close())
	assert.True(t, conn.closed)
}
