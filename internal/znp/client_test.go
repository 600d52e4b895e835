package znp_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"zstack-go-home/internal/structs"
	"zstack-go-home/internal/znp"
	"zstack-go-home/internal/znp/znptest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClientVersion(t *testing.T) {
	dev := znptest.NewDevice(znp.ZStack3x0, structs.Aligned)
	c := znp.NewClient(dev, testLogger())

	v, err := c.Version(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v.Product != znp.ZStack3x0 {
		t.Errorf("product = %v, want %v", v.Product, znp.ZStack3x0)
	}
	if v.Major != 2 {
		t.Errorf("major = %d, want 2", v.Major)
	}
	if v.Revision != 0x01340611 {
		t.Errorf("revision = 0x%08X, want 0x01340611", v.Revision)
	}
}

func TestClientRetriesTransportErrors(t *testing.T) {
	dev := znptest.NewDevice(znp.ZStack30x, structs.Unaligned)
	c := znp.NewClient(dev, testLogger())

	dev.FailNext(znp.SubsystemSYS, znp.CmdSysGetExtAddr, 2)
	ieee, err := c.GetExtAddr(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ieee != dev.IEEE {
		t.Errorf("ieee = %X, want %X", ieee, dev.IEEE)
	}
	if n := dev.Count(znp.SubsystemSYS, znp.CmdSysGetExtAddr); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func TestClientGivesUpAfterAttempts(t *testing.T) {
	dev := znptest.NewDevice(znp.ZStack30x, structs.Unaligned)
	c := znp.NewClient(dev, testLogger())

	dev.FailNext(znp.SubsystemSYS, znp.CmdSysVersion, 3)
	if _, err := c.Version(context.Background()); !errors.Is(err, znptest.ErrInjected) {
		t.Fatalf("err = %v, want ErrInjected", err)
	}
	if n := dev.Count(znp.SubsystemSYS, znp.CmdSysVersion); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func TestClientStatusErrorNotRetried(t *testing.T) {
	dev := znptest.NewDevice(znp.ZStack30x, structs.Unaligned)
	c := znp.NewClient(dev, testLogger())

	_, err := c.OsalNvReadExt(context.Background(), znp.NvNIB, 0)
	var se *znp.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *znp.StatusError", err)
	}
	if se.Status != znp.StatusNvOperFailed {
		t.Errorf("status = %s, want %s", se.Status, znp.StatusNvOperFailed)
	}
	if !znp.IsStatus(err, znp.StatusNvOperFailed) {
		t.Error("IsStatus did not match")
	}
	if n := dev.Count(znp.SubsystemSYS, znp.CmdSysOsalNvReadExt); n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
}

func TestClientResetWaitsForIndication(t *testing.T) {
	dev := znptest.NewDevice(znp.ZStack3x0, structs.Aligned)
	c := znp.NewClient(dev, testLogger())

	ind, err := c.Reset(context.Background(), znp.ResetSoft)
	if err != nil {
		t.Fatal(err)
	}
	if ind.Product != znp.ZStack3x0 {
		t.Errorf("product = %v, want %v", ind.Product, znp.ZStack3x0)
	}
}

func TestClientExtendedItems(t *testing.T) {
	dev := znptest.NewDevice(znp.ZStack3x0, structs.Aligned)
	c := znp.NewClient(dev, testLogger())
	ctx := context.Background()
	item := znp.ExtendedItem{SystemID: znp.NvSysZStack, ItemID: znp.NvExTCLKTable, SubID: 3}

	n, err := c.NvLength(ctx, item)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("length of absent item = %d, want 0", n)
	}

	if err := c.NvCreate(ctx, item, 4); err != nil {
		t.Fatal(err)
	}
	if err := c.NvWrite(ctx, item, 1, []byte{0xaa, 0xbb}); err != nil {
		t.Fatal(err)
	}
	got, err := c.NvRead(ctx, item, 0, 4)
	if err != nil {
		t.Fatal(err)
	}
	if want := []byte{0x00, 0xaa, 0xbb, 0x00}; !bytes.Equal(got, want) {
		t.Errorf("read = %x, want %x", got, want)
	}
}
