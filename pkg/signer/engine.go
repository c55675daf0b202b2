package signer

import (
	"bytes"
	"crypto/rsa"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/pkg/codesign"
	ctypes "github.com/blacktop/go-macho/pkg/codesign/types"
	"github.com/blacktop/go-macho/types"
	"go.mozilla.org/pkcs7"
)

// Engine generates code signatures for an app bundle. It either mutates the
// bundle in place to carry a valid signature or returns an error; there is no
// third outcome. The orchestrator treats implementations as black boxes and
// surfaces their failures wrapped with context.
type Engine interface {
	SignBundle(appPath string, identity *Identity, entitlementsXML []byte, bundleID string) error
}

// MachOEngine is the default Engine, backed by go-macho's codesign package.
// It signs every Mach-O in the bundle, nested binaries before the main
// executable, and handles both thin and fat files.
type MachOEngine struct{}

// SignBundle signs all Mach-O binaries in the app bundle. Nested frameworks
// and extensions are signed first with their own bundle identifiers, the
// resource seal is rebuilt over the result, and the main executable is
// signed last so its signature covers the final seal. Entitlements apply
// only to the main executable.
func (e *MachOEngine) SignBundle(appPath string, identity *Identity, entitlementsXML []byte, bundleID string) error {
	if err := completeCertChain(identity); err != nil {
		return err
	}

	binaries, err := findMachOBinaries(appPath)
	if err != nil {
		return fmt.Errorf("failed to find binaries: %w", err)
	}

	// Deepest first, so frameworks are signed before the main app
	sort.Slice(binaries, func(i, j int) bool {
		depthI := strings.Count(binaries[i], string(os.PathSeparator))
		depthJ := strings.Count(binaries[j], string(os.PathSeparator))
		return depthI > depthJ
	})

	execName, err := GetAppExecutableName(appPath)
	if err != nil {
		return fmt.Errorf("failed to get executable name: %w", err)
	}
	mainExecPath := filepath.Join(appPath, execName)

	for _, binary := range binaries {
		if binary == mainExecPath {
			continue
		}
		if err := e.signMachO(binary, identity, nil, bundleIDForBinary(binary, bundleID)); err != nil {
			return fmt.Errorf("failed to sign %s: %w", binary, err)
		}
	}

	// The seal hashes every nested signature, so it comes after them and
	// before the main executable.
	if err := WriteResourceSeal(appPath); err != nil {
		return fmt.Errorf("failed to write resource seal: %w", err)
	}

	if err := e.signMachO(mainExecPath, identity, entitlementsXML, bundleID); err != nil {
		return fmt.Errorf("failed to sign %s: %w", mainExecPath, err)
	}
	return nil
}

// signMachO signs a single Mach-O file, thin or fat.
func (e *MachOEngine) signMachO(path string, identity *Identity, entitlements []byte, bundleID string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	m, err := macho.NewFile(bytes.NewReader(data))
	if err != nil {
		return e.signFat(path, data, identity, entitlements, bundleID)
	}
	defer m.Close()

	signed, err := signThin(data, m, identity, entitlements, bundleID)
	if err != nil {
		return err
	}
	return os.WriteFile(path, signed, 0755)
}

// thinLayout is the set of load-command locations signing has to know: where
// the code ends, and where the LC_CODE_SIGNATURE and __LINKEDIT commands sit
// so they can be rewritten for the new signature.
type thinLayout struct {
	textOffset uint64
	textSize   uint64
	// codeSize is everything before the existing signature
	codeSize          uint64
	csCmdOffset       uint32
	linkeditCmdOffset uint32
	linkeditFileoff   uint64
	is64Bit           bool
}

func readThinLayout(data []byte, m *macho.File) (*thinLayout, error) {
	l := &thinLayout{
		codeSize: uint64(len(data)),
		is64Bit:  m.Magic == types.Magic64,
	}

	headerSize := uint32(32)
	if m.Magic == types.Magic32 {
		headerSize = 28
	}

	cmdOffset := headerSize
	foundCS := false
	for _, load := range m.Loads {
		switch cmd := load.(type) {
		case *macho.Segment:
			switch cmd.Name {
			case "__TEXT":
				l.textOffset = cmd.Offset
				l.textSize = cmd.Filesz
			case "__LINKEDIT":
				l.linkeditCmdOffset = cmdOffset
				l.linkeditFileoff = cmd.Offset
			}
		case *macho.CodeSignature:
			l.codeSize = uint64(cmd.Offset)
			l.csCmdOffset = cmdOffset
			foundCS = true
		}
		cmdOffset += load.LoadSize()
	}
	if !foundCS {
		return nil, fmt.Errorf("no existing LC_CODE_SIGNATURE load command found - adding new commands not yet supported")
	}
	return l, nil
}

// patchForSignature copies the code portion of the binary and rewrites its
// load commands to describe the file as it will look with a sigSize
// signature appended. This must happen before hashing: the page hashes cover
// the final load commands, and __LINKEDIT must accurately describe the file
// layout or iOS rejects the binary.
func (l *thinLayout) patchForSignature(data []byte, sigSize uint64) []byte {
	patched := make([]byte, l.codeSize)
	copy(patched, data[:l.codeSize])

	// linkedit_data_command: dataoff at +8, datasize at +12
	binary.LittleEndian.PutUint32(patched[l.csCmdOffset+8:], uint32(l.codeSize))
	binary.LittleEndian.PutUint32(patched[l.csCmdOffset+12:], uint32(sigSize))

	if l.linkeditCmdOffset == 0 {
		return patched
	}
	newFilesize := l.codeSize + sigSize - l.linkeditFileoff
	newVmsize := ((newFilesize + 0xfff) / 0x1000) * 0x1000
	if l.is64Bit {
		// segment_command_64: vmsize at +24, filesize at +40
		binary.LittleEndian.PutUint64(patched[l.linkeditCmdOffset+24:], newVmsize)
		binary.LittleEndian.PutUint64(patched[l.linkeditCmdOffset+40:], newFilesize)
	} else {
		// segment_command: vmsize at +28, filesize at +36
		binary.LittleEndian.PutUint32(patched[l.linkeditCmdOffset+28:], uint32(newVmsize))
		binary.LittleEndian.PutUint32(patched[l.linkeditCmdOffset+36:], uint32(newFilesize))
	}
	return patched
}

func signThin(data []byte, m *macho.File, identity *Identity, entitlements []byte, bundleID string) ([]byte, error) {
	layout, err := readThinLayout(data, m)
	if err != nil {
		return nil, err
	}

	// The DER entitlements variant must be present alongside the XML form so
	// the signature carries 7 special slots.
	var entitlementsDER []byte
	if len(entitlements) > 0 {
		if entMap, err := ParseEntitlementsXML(entitlements); err == nil {
			entitlementsDER, _ = EntitlementsToDER(entMap)
		}
	}

	// completeCertChain has run by now, so this is never an ad-hoc signature
	config := &codesign.Config{
		ID:              bundleID,
		TeamID:          identity.TeamID,
		IsMain:          true,
		Flags:           ctypes.NONE,
		CodeSize:        layout.codeSize,
		TextOffset:      layout.textOffset,
		TextSize:        layout.textSize,
		Entitlements:    entitlements,
		EntitlementsDER: entitlementsDER,
		CertChain:       identity.CertChain,
		SignerFunction:  cmsSignerFunc(identity),
	}
	config.InitSlotHashes()
	if len(entitlements) > 0 {
		config.SpecialSlots = make([]ctypes.SpecialSlot, 7)
	}

	estimatedSigSize := codesign.EstimateCodeSignatureSize(config)
	estimatedSigSize = ((estimatedSigSize + 0x3fff) / 0x4000) * 0x4000

	patched := layout.patchForSignature(data, estimatedSigSize)

	signature, err := codesign.Sign(bytes.NewReader(patched), config)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	// Pad to the estimated size and fix the SuperBlob length to match
	if uint64(len(signature)) < estimatedSigSize {
		padded := make([]byte, estimatedSigSize)
		copy(padded, signature)
		signature = padded
	}
	if len(signature) >= 8 {
		binary.BigEndian.PutUint32(signature[4:], uint32(len(signature)))
	}

	result := make([]byte, layout.codeSize+uint64(len(signature)))
	copy(result, patched)
	copy(result[layout.codeSize:], signature)
	return result, nil
}

func (e *MachOEngine) signFat(path string, data []byte, identity *Identity, entitlements []byte, bundleID string) error {
	fat, err := macho.NewFatFile(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to parse as fat binary: %w", err)
	}
	defer fat.Close()

	signedArches := make([][]byte, len(fat.Arches))
	for i, arch := range fat.Arches {
		archData := data[arch.Offset : uint64(arch.Offset)+uint64(arch.Size)]

		m, err := macho.NewFile(bytes.NewReader(archData))
		if err != nil {
			return fmt.Errorf("failed to parse arch %d: %w", i, err)
		}

		signedArch, err := signThin(archData, m, identity, entitlements, bundleID)
		m.Close()
		if err != nil {
			return fmt.Errorf("failed to sign arch %d: %w", i, err)
		}
		signedArches[i] = signedArch
	}

	// Rebuild the fat container with the new arch sizes. Header and
	// fat_arch entries are big-endian; arm64 slices are 16KB aligned.
	const alignment = 0x4000
	headerSize := 8 + len(fat.Arches)*20

	offsets := make([]uint32, len(fat.Arches))
	currentOffset := uint32(headerSize)
	for i := range signedArches {
		if currentOffset%alignment != 0 {
			currentOffset = ((currentOffset / alignment) + 1) * alignment
		}
		offsets[i] = currentOffset
		currentOffset += uint32(len(signedArches[i]))
	}

	result := make([]byte, currentOffset)
	binary.BigEndian.PutUint32(result[0:], 0xcafebabe)
	binary.BigEndian.PutUint32(result[4:], uint32(len(fat.Arches)))

	for i, arch := range fat.Arches {
		base := 8 + i*20
		binary.BigEndian.PutUint32(result[base+0:], uint32(arch.CPU))
		binary.BigEndian.PutUint32(result[base+4:], uint32(arch.SubCPU))
		binary.BigEndian.PutUint32(result[base+8:], offsets[i])
		binary.BigEndian.PutUint32(result[base+12:], uint32(len(signedArches[i])))
		binary.BigEndian.PutUint32(result[base+16:], arch.Align)
	}
	for i, archData := range signedArches {
		copy(result[offsets[i]:], archData)
	}

	return os.WriteFile(path, result, 0755)
}

// cmsSignerFunc produces the CMS signature over the code directory.
func cmsSignerFunc(identity *Identity) func([]byte) ([]byte, error) {
	return func(codeDirectoryData []byte) ([]byte, error) {
		signedData, err := pkcs7.NewSignedData(codeDirectoryData)
		if err != nil {
			return nil, fmt.Errorf("failed to create signed data: %w", err)
		}
		rsaKey, ok := identity.PrivateKey.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("unsupported private key type %T", identity.PrivateKey)
		}
		if err := signedData.AddSigner(identity.Certificate, rsaKey, pkcs7.SignerInfoConfig{}); err != nil {
			return nil, fmt.Errorf("failed to add signer: %w", err)
		}
		return signedData.Finish()
	}
}

func findMachOBinaries(appPath string) ([]string, error) {
	var binaries []string

	err := filepath.Walk(appPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		// Non-executable files are only candidates inside frameworks, where
		// the binary often carries no exec bit in the archive
		if info.Mode()&0111 == 0 && !strings.Contains(path, ".framework") {
			return nil
		}
		if isMachO(path) {
			binaries = append(binaries, path)
		}
		return nil
	})

	return binaries, err
}

func isMachO(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		return false
	}

	// MH_MAGIC / MH_MAGIC_64 (little endian) and FAT_MAGIC / FAT_MAGIC_64
	return (magic[0] == 0xcf && magic[1] == 0xfa && magic[2] == 0xed && magic[3] == 0xfe) ||
		(magic[0] == 0xce && magic[1] == 0xfa && magic[2] == 0xed && magic[3] == 0xfe) ||
		(magic[0] == 0xca && magic[1] == 0xfe && magic[2] == 0xba && magic[3] == 0xbe) ||
		(magic[0] == 0xca && magic[1] == 0xfe && magic[2] == 0xba && magic[3] == 0xbf)
}

func bundleIDForBinary(binaryPath, fallbackBundleID string) string {
	// Walk up a few levels looking for the owning bundle's Info.plist
	dir := filepath.Dir(binaryPath)
	for i := 0; i < 5; i++ {
		if data, err := os.ReadFile(filepath.Join(dir, "Info.plist")); err == nil {
			if info, err := parseInfoPlist(data); err == nil {
				if bundleID, ok := info["CFBundleIdentifier"].(string); ok {
					return bundleID
				}
			}
		}
		dir = filepath.Dir(dir)
	}
	return fallbackBundleID
}
