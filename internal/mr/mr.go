// Package mr registers memory regions through the vendor CREATE_MKEY
// command. The region's backing memory is allocated and registered here;
// the returned keys authorize local and remote access to it.
package mr

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/rdmaio/internal/device"
	"github.com/piwi3910/rdmaio/internal/devx"
	"github.com/piwi3910/rdmaio/internal/rdmaerr"
)

// keyVariant is the low byte of user-space memory keys.
const keyVariant = 0xef

// MR is a registered memory region.
type MR struct {
	dev    device.Device
	umem   *device.Umem
	index  uint32
	lkey   uint32
	rkey   uint32
	addr   uint64
	length uint64
}

// New allocates length bytes, registers them, and creates the memory key
// with full local and remote access.
func New(dev device.Device, pd *device.PD, length int) (*MR, error) {
	if pd == nil || length <= 0 {
		return nil, rdmaerr.ErrInvalidArgument
	}
	umem, err := dev.RegUmem(length)
	if err != nil {
		return nil, fmt.Errorf("mr umem: %w", err)
	}

	in := devx.New(devx.CreateMkeyIn)
	in.Set("opcode", uint64(devx.CmdCreateMkey))
	in.Set("mkey_umem_valid", 1)
	in.Set("mkey_umem_id", uint64(umem.ID()))
	in.Set("mkey_umem_offset", 0)
	in.Set("translations_octword_actual_size", 8)
	in.Set("memory_key_mkey_entry.access_mode_1_0", devx.MkcAccessModeMTT)
	in.Set("memory_key_mkey_entry.a", 1)
	in.Set("memory_key_mkey_entry.rw", 1)
	in.Set("memory_key_mkey_entry.rr", 1)
	in.Set("memory_key_mkey_entry.lw", 1)
	in.Set("memory_key_mkey_entry.lr", 1)
	in.Set("memory_key_mkey_entry.pd", uint64(pd.PDN()))
	in.Set("memory_key_mkey_entry.qpn", 0xffffff)
	in.Set("memory_key_mkey_entry.mkey_7_0", keyVariant)
	in.Set("memory_key_mkey_entry.start_addr", umem.Base())
	in.Set("memory_key_mkey_entry.len", uint64(length))
	in.Set("memory_key_mkey_entry.translations_octword_size", 8)
	in.Set("memory_key_mkey_entry.log_page_size", uint64(dev.LogPageSize()))

	out := devx.New(devx.CreateMkeyOut)
	if err := dev.Exec(in.Bytes(), out.Bytes()); err != nil {
		_ = dev.DeregUmem(umem)
		return nil, err
	}
	if st := devx.Status(out.Bytes()); st != 0 {
		_ = dev.DeregUmem(umem)
		return nil, &rdmaerr.DeviceError{Cmd: "CREATE_MKEY", Status: st, Syndrome: devx.Syndrome(out.Bytes())}
	}

	index := uint32(out.Get("mkey_index"))
	m := &MR{
		dev:    dev,
		umem:   umem,
		index:  index,
		lkey:   index<<8 | keyVariant,
		rkey:   index<<8 | keyVariant,
		addr:   umem.Base(),
		length: uint64(length),
	}
	log.Debug().Uint32("lkey", m.lkey).Uint64("addr", m.addr).Uint64("len", m.length).
		Msg("memory region registered")
	return m, nil
}

func (m *MR) LKey() uint32   { return m.lkey }
func (m *MR) RKey() uint32   { return m.rkey }
func (m *MR) Addr() uint64   { return m.addr }
func (m *MR) Length() uint64 { return m.length }

// Bytes exposes the backing region.
func (m *MR) Bytes() []byte { return m.umem.Bytes() }

// Destroy releases the key and the backing memory.
func (m *MR) Destroy() error {
	in := devx.New(devx.DestroyMkeyIn)
	in.Set("opcode", uint64(devx.CmdDestroyMkey))
	in.Set("mkey_index", uint64(m.index))
	out := devx.New(devx.DestroyMkeyOut)
	if err := m.dev.Exec(in.Bytes(), out.Bytes()); err != nil {
		return err
	}
	if st := devx.Status(out.Bytes()); st != 0 {
		return &rdmaerr.DeviceError{Cmd: "DESTROY_MKEY", Status: st, Syndrome: devx.Syndrome(out.Bytes())}
	}
	return m.dev.DeregUmem(m.umem)
}
