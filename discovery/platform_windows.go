// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

//go:build windows

package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	modcfgmgr32 = windows.NewLazySystemDLL("cfgmgr32.dll")

	procGetDeviceIDListSize = modcfgmgr32.NewProc("CM_Get_Device_ID_List_SizeW")
	procGetDeviceIDList     = modcfgmgr32.NewProc("CM_Get_Device_ID_ListW")
	procLocateDevNode       = modcfgmgr32.NewProc("CM_Locate_DevNodeW")
	procGetDevNodeProperty  = modcfgmgr32.NewProc("CM_Get_DevNode_PropertyW")
)

const (
	crSuccess     = 0x00
	crBufferSmall = 0x1A

	cmGetIDListFilterEnumerator = 0x00000001
	cmLocateDevNodePhantom      = 0x00000001

	afBTH          = 32
	bthProtoRFCOMM = 3
)

type devPropKey struct {
	fmtid windows.GUID
	pid   uint32
}

var (
	devpkeyName = devPropKey{
		fmtid: windows.GUID{Data1: 0xa45c254e, Data2: 0xdf1c, Data3: 0x4efd, Data4: [8]byte{0x80, 0x20, 0x67, 0xd1, 0x46, 0xa8, 0x50, 0xe0}},
		pid:   14,
	}
	devpkeyIsConnected = devPropKey{
		fmtid: windows.GUID{Data1: 0x83da6326, Data2: 0x97a6, Data3: 0x4088, Data4: [8]byte{0x94, 0x53, 0xa1, 0x92, 0x3f, 0x57, 0x3b, 0x29}},
		pid:   15,
	}
	devpkeyBluetoothBattery = devPropKey{
		fmtid: windows.GUID{Data1: 0x104ea319, Data2: 0x6ee2, Data3: 0x4701, Data4: [8]byte{0xbd, 0x47, 0x8d, 0xdb, 0xf4, 0x25, 0xbb, 0xe5}},
		pid:   2,
	}
)

// NewPlatformSources returns the cfgmgr32 backed sources and the RFCOMM dialer.
func NewPlatformSources() (PlatformSources, error) {
	if err := modcfgmgr32.Load(); err != nil {
		return PlatformSources{}, fmt.Errorf("load cfgmgr32: %w", err)
	}
	return PlatformSources{
		Enumerators: []Enumerator{
			devNodeEnumerator{name: SourceClassic, enumerator: "BTHENUM", prefix: prefixClassic + "DEV_", kind: KindClassic},
			devNodeEnumerator{name: SourceLE, enumerator: "BTHLE", prefix: prefixLE + "DEV_", kind: KindLE},
		},
		Batteries: []BatteryReporter{pnpBatteryReporter{}},
		Dialer:    rfcommDialer{},
	}, nil
}

// devNodeEnumerator lists paired devices from the device nodes one Bluetooth
// bus enumerator creates.
type devNodeEnumerator struct {
	name       string
	enumerator string
	prefix     string
	kind       Kind
}

func (e devNodeEnumerator) Name() string { return e.name }

func (e devNodeEnumerator) Enumerate(ctx context.Context) ([]RawDevice, error) {
	ids, err := deviceIDs(e.enumerator)
	if err != nil {
		return nil, err
	}

	var devices []RawDevice
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return devices, err
		}
		if !hasPrefixFold(id, e.prefix) {
			continue
		}
		inst, err := locateDevNode(id)
		if err != nil {
			continue
		}
		name, _ := devNodeString(inst, &devpkeyName)
		if strings.TrimSpace(name) == "" {
			continue
		}
		addr, _ := AddressFromInstanceID(id)
		connected, _ := devNodeBool(inst, &devpkeyIsConnected)

		dev := RawDevice{ID: id, Name: name, Address: addr, Kind: e.kind, Connected: connected, Source: e.name}
		if level, ok := devNodeBattery(inst, &devpkeyBluetoothBattery); ok {
			dev.Battery = &level
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// pnpBatteryReporter reads the battery property of every Bluetooth node,
// including service and audio gateway children of a device.
type pnpBatteryReporter struct{}

func (pnpBatteryReporter) Name() string { return SourcePnP }

func (pnpBatteryReporter) Report(ctx context.Context) ([]BatteryReport, error) {
	var nodes []PnPNode
	for _, enum := range []string{"BTHENUM", "BTHLE", "BTHLEDEVICE"} {
		ids, err := deviceIDs(enum)
		if err != nil {
			continue
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return BatteryReportsFromPnP(nodes), err
			}
			inst, err := locateDevNode(id)
			if err != nil {
				continue
			}
			if level, ok := devNodeBattery(inst, &devpkeyBluetoothBattery); ok {
				nodes = append(nodes, PnPNode{InstanceID: id, Battery: &level})
			}
		}
	}
	return BatteryReportsFromPnP(nodes), nil
}

func deviceIDs(enumerator string) ([]string, error) {
	filter, err := windows.UTF16PtrFromString(enumerator)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 3; attempt++ {
		var size uint32
		r, _, _ := procGetDeviceIDListSize.Call(uintptr(unsafe.Pointer(&size)), uintptr(unsafe.Pointer(filter)), cmGetIDListFilterEnumerator)
		if r != crSuccess {
			return nil, fmt.Errorf("CM_Get_Device_ID_List_Size(%s): 0x%x", enumerator, r)
		}
		if size == 0 {
			return nil, nil
		}

		buf := make([]uint16, size)
		r, _, _ = procGetDeviceIDList.Call(uintptr(unsafe.Pointer(filter)), uintptr(unsafe.Pointer(&buf[0])), uintptr(size), cmGetIDListFilterEnumerator)
		if r == crBufferSmall {
			continue
		}
		if r != crSuccess {
			return nil, fmt.Errorf("CM_Get_Device_ID_List(%s): 0x%x", enumerator, r)
		}
		return splitMultiSz(buf), nil
	}
	return nil, fmt.Errorf("CM_Get_Device_ID_List(%s): list kept growing", enumerator)
}

func splitMultiSz(buf []uint16) []string {
	var out []string
	start := 0
	for i, c := range buf {
		if c != 0 {
			continue
		}
		if i == start {
			break
		}
		out = append(out, windows.UTF16ToString(buf[start:i]))
		start = i + 1
	}
	return out
}

func locateDevNode(id string) (uint32, error) {
	p, err := windows.UTF16PtrFromString(id)
	if err != nil {
		return 0, err
	}
	var inst uint32
	r, _, _ := procLocateDevNode.Call(uintptr(unsafe.Pointer(&inst)), uintptr(unsafe.Pointer(p)), cmLocateDevNodePhantom)
	if r != crSuccess {
		return 0, fmt.Errorf("CM_Locate_DevNode(%s): 0x%x", id, r)
	}
	return inst, nil
}

func devNodeProperty(inst uint32, key *devPropKey) (uint32, []byte, bool) {
	var propType uint32
	size := uint32(0)
	r, _, _ := procGetDevNodeProperty.Call(uintptr(inst), uintptr(unsafe.Pointer(key)),
		uintptr(unsafe.Pointer(&propType)), 0, uintptr(unsafe.Pointer(&size)), 0)
	if r != crBufferSmall || size == 0 {
		return 0, nil, false
	}
	buf := make([]byte, size)
	r, _, _ = procGetDevNodeProperty.Call(uintptr(inst), uintptr(unsafe.Pointer(key)),
		uintptr(unsafe.Pointer(&propType)), uintptr(unsafe.Pointer(&buf[0])), uintptr(unsafe.Pointer(&size)), 0)
	if r != crSuccess {
		return 0, nil, false
	}
	return propType, buf[:size], true
}

// devNodeBattery reads a battery percentage property. Drivers store it as a
// byte, a wider integer or occasionally a string.
func devNodeBattery(inst uint32, key *devPropKey) (int, bool) {
	t, buf, ok := devNodeProperty(inst, key)
	if !ok {
		return 0, false
	}
	return BatteryFromProperty(t, buf)
}

func devNodeBool(inst uint32, key *devPropKey) (bool, bool) {
	t, buf, ok := devNodeProperty(inst, key)
	if !ok || t != devpropTypeBoolean || len(buf) < 1 {
		return false, false
	}
	return buf[0] != 0, true
}

func devNodeString(inst uint32, key *devPropKey) (string, bool) {
	t, buf, ok := devNodeProperty(inst, key)
	if !ok || t != devpropTypeString || len(buf) < 2 {
		return "", false
	}
	u := unsafe.Slice((*uint16)(unsafe.Pointer(&buf[0])), len(buf)/2)
	return windows.UTF16ToString(u), true
}

var wsaStartup = sync.OnceValue(func() error {
	var data windows.WSAData
	return windows.WSAStartup(uint32(0x202), &data)
})

// rfcommDialer opens Winsock RFCOMM stream sockets.
type rfcommDialer struct{}

func (rfcommDialer) DialRFCOMM(ctx context.Context, addr Address, serviceUUID string) (io.ReadWriteCloser, error) {
	if err := wsaStartup(); err != nil {
		return nil, fmt.Errorf("WSAStartup: %w", err)
	}
	guid, err := windows.GUIDFromString("{" + serviceUUID + "}")
	if err != nil {
		return nil, fmt.Errorf("service %s: %w", serviceUUID, err)
	}

	fd, err := windows.Socket(afBTH, windows.SOCK_STREAM, bthProtoRFCOMM)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	conn := &rfcommConn{fd: fd}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	err = windows.Connect(fd, &windows.SockaddrBth{BtAddr: uint64(addr), ServiceClassId: guid})
	if !stop() {
		return nil, fmt.Errorf("connect %s: %w", addr, ctx.Err())
	}
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	return conn, nil
}

// rfcommConn adapts a connected socket handle to io.ReadWriteCloser.
type rfcommConn struct {
	fd   windows.Handle
	once sync.Once
	err  error
}

func (c *rfcommConn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	buf := windows.WSABuf{Len: uint32(len(p)), Buf: &p[0]}
	var n, flags uint32
	if err := windows.WSARecv(c.fd, &buf, 1, &n, &flags, nil, nil); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return int(n), nil
}

func (c *rfcommConn) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	buf := windows.WSABuf{Len: uint32(len(p)), Buf: &p[0]}
	var n uint32
	if err := windows.WSASend(c.fd, &buf, 1, &n, 0, nil, nil); err != nil {
		return int(n), err
	}
	if int(n) < len(p) {
		return int(n), errors.New("short write")
	}
	return int(n), nil
}

func (c *rfcommConn) Close() error {
	c.once.Do(func() { c.err = windows.Closesocket(c.fd) })
	return c.err
}
