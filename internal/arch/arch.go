// Package arch identifies the CPU and turns on the instruction-set features the kernel wants.
// The CPUInfo it produces is populated once during bring-up, before interrupts, and is read-only
// afterwards; nothing here takes a lock.
package arch

import (
	"fmt"
	"strings"

	"github.com/vesperos/vesper/internal/hw"
	"github.com/vesperos/vesper/internal/log"
)

// Feature is one probeable CPU feature.
type Feature uint

const (
	FeatFPU Feature = iota
	FeatPAE
	FeatFXSR
	FeatSSE
	FeatSSE2
	FeatSSE3
	FeatSSSE3
	FeatSSE41
	FeatSSE42
	FeatXSave
	FeatAVX
	FeatAVX2
	FeatNX
	FeatVMX
	FeatSVM

	numFeatures
)

var featureNames = [numFeatures]string{
	"fpu", "pae", "fxsr", "sse", "sse2", "sse3", "ssse3", "sse4.1", "sse4.2",
	"xsave", "avx", "avx2", "nx", "vmx", "svm",
}

func (f Feature) String() string {
	if int(f) < len(featureNames) {
		return featureNames[f]
	}

	return fmt.Sprintf("feature(%d)", uint(f))
}

// FeatureSet is a bitset of features.
type FeatureSet uint64

// Has reports whether the feature is in the set.
func (s FeatureSet) Has(f Feature) bool {
	return s&(1<<f) != 0
}

func (s *FeatureSet) add(f Feature) {
	*s |= 1 << f
}

func (s FeatureSet) String() string {
	var names []string

	for f := Feature(0); f < numFeatures; f++ {
		if s.Has(f) {
			names = append(names, f.String())
		}
	}

	return strings.Join(names, " ")
}

// CPUInfo describes the processor. There is one instance, filled in by Identify during bring-up.
type CPUInfo struct {
	Vendor   string
	Brand    string
	Family   int
	Model    int
	Stepping int
	Cores    int

	Detected FeatureSet
	Enabled  FeatureSet
}

func (ci *CPUInfo) String() string {
	return fmt.Sprintf("%s %s family %d model %d stepping %d",
		ci.Vendor, ci.Brand, ci.Family, ci.Model, ci.Stepping)
}

// LogValue summarizes the CPU for the boot log.
func (ci *CPUInfo) LogValue() log.Value {
	return log.GroupValue(
		log.String("vendor", ci.Vendor),
		log.String("brand", ci.Brand),
		log.String("detected", ci.Detected.String()),
		log.String("enabled", ci.Enabled.String()),
	)
}

// cpuidFeature maps a CPUID bit to a feature.
type cpuidFeature struct {
	leaf uint32
	reg  int // 0=EAX 1=EBX 2=ECX 3=EDX
	bit  uint
	feat Feature
}

var featureTable = []cpuidFeature{
	{0x1, 3, 0, FeatFPU},
	{0x1, 3, 6, FeatPAE},
	{0x1, 3, 24, FeatFXSR},
	{0x1, 3, 25, FeatSSE},
	{0x1, 3, 26, FeatSSE2},
	{0x1, 2, 0, FeatSSE3},
	{0x1, 2, 9, FeatSSSE3},
	{0x1, 2, 19, FeatSSE41},
	{0x1, 2, 20, FeatSSE42},
	{0x1, 2, 26, FeatXSave},
	{0x1, 2, 28, FeatAVX},
	{0x1, 2, 5, FeatVMX},
	{0x7, 1, 5, FeatAVX2},
	{0x80000001, 3, 20, FeatNX},
	{0x80000001, 2, 2, FeatSVM},
}

// Identify reads the CPUID tables and fills in a CPUInfo.
func Identify(cpu *hw.CPU) *CPUInfo {
	info := &CPUInfo{}

	l0 := cpu.CPUID(0, 0)
	info.Vendor = decodeRegs(l0.EBX, l0.EDX, l0.ECX)

	l1 := cpu.CPUID(1, 0)
	info.Stepping = int(l1.EAX & 0xf)
	info.Model = int(l1.EAX>>4) & 0xf
	info.Family = int(l1.EAX>>8) & 0xf

	if info.Family == 0xf {
		info.Family += int(l1.EAX>>20) & 0xff
	}

	if info.Family >= 6 {
		info.Model |= (int(l1.EAX>>16) & 0xf) << 4
	}

	info.Cores = int(l1.EBX>>16) & 0xff
	if info.Cores == 0 {
		info.Cores = 1
	}

	var brand strings.Builder

	for leaf := uint32(0x80000002); leaf <= 0x80000004; leaf++ {
		l := cpu.CPUID(leaf, 0)
		brand.WriteString(decodeRegs(l.EAX, l.EBX, l.ECX, l.EDX))
	}

	info.Brand = strings.TrimRight(brand.String(), " \x00")

	for _, cf := range featureTable {
		l := cpu.CPUID(cf.leaf, 0)
		regs := [4]uint32{l.EAX, l.EBX, l.ECX, l.EDX}

		if regs[cf.reg]&(1<<cf.bit) != 0 {
			info.Detected.add(cf.feat)
		}
	}

	return info
}

func decodeRegs(regs ...uint32) string {
	b := make([]byte, 0, len(regs)*4)

	for _, r := range regs {
		b = append(b, byte(r), byte(r>>8), byte(r>>16), byte(r>>24))
	}

	return string(b)
}

// EnableFeatures turns on every detected feature that has an enable sequence, recording what took
// effect in info.Enabled. The order matters: FXSR state before SSE, OSXSAVE before touching XCR0.
func EnableFeatures(cpu *hw.CPU, info *CPUInfo, logger *log.Logger) {
	if info.Detected.Has(FeatFPU) {
		cr0 := cpu.CR0()
		cr0 &^= hw.CR0EM
		cr0 |= hw.CR0MP
		cpu.SetCR0(cr0)
		info.Enabled.add(FeatFPU)
	}

	// Long mode implies PAE; the CR4 bit is confirmed rather than toggled, since flipping it
	// under an active 4-level translation is undefined.
	if info.Detected.Has(FeatPAE) {
		cpu.SetCR4(cpu.CR4() | hw.CR4PAE)
		info.Enabled.add(FeatPAE)
	}

	if info.Detected.Has(FeatFXSR) && info.Detected.Has(FeatSSE) {
		cpu.SetCR4(cpu.CR4() | hw.CR4OSFXSR | hw.CR4OSXMMEXCPT)
		info.Enabled.add(FeatFXSR)

		for _, f := range []Feature{FeatSSE, FeatSSE2, FeatSSE3, FeatSSSE3, FeatSSE41, FeatSSE42} {
			if info.Detected.Has(f) {
				info.Enabled.add(f)
			}
		}
	}

	if info.Detected.Has(FeatXSave) {
		cpu.SetCR4(cpu.CR4() | hw.CR4OSXSAVE)

		xcr0 := hw.XCR0X87 | hw.XCR0SSE
		if info.Detected.Has(FeatAVX) {
			xcr0 |= hw.XCR0AVX
		}

		if err := cpu.XSetBV(0, xcr0); err != nil {
			logger.Warn("arch: xsetbv failed", "err", err)
		} else {
			info.Enabled.add(FeatXSave)

			if info.Detected.Has(FeatAVX) {
				info.Enabled.add(FeatAVX)
			}

			if info.Detected.Has(FeatAVX2) {
				info.Enabled.add(FeatAVX2)
			}
		}
	}

	if info.Detected.Has(FeatNX) {
		if efer, err := cpu.ReadMSR(hw.MSREFER); err == nil {
			if err := cpu.WriteMSR(hw.MSREFER, efer|hw.EFERNXE); err == nil {
				info.Enabled.add(FeatNX)
			}
		}
	}

	if info.Detected.Has(FeatVMX) {
		cpu.SetCR4(cpu.CR4() | hw.CR4VMXE)
		info.Enabled.add(FeatVMX)
	}

	if info.Detected.Has(FeatSVM) {
		if efer, err := cpu.ReadMSR(hw.MSREFER); err == nil {
			if err := cpu.WriteMSR(hw.MSREFER, efer|hw.EFERSVME); err == nil {
				info.Enabled.add(FeatSVM)
			}
		}
	}

	logger.Info("arch: cpu identified", "cpu", info)
}

// NXEnabled reports whether no-execute translation is on, which the paging layer checks before
// setting NX bits.
func NXEnabled(cpu *hw.CPU) bool {
	efer, err := cpu.ReadMSR(hw.MSREFER)
	return err == nil && efer&hw.EFERNXE != 0
}
