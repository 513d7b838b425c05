package bootforge

// Fixed output file names, so downstream tooling can locate extracted
// components without reading the info record first.
const (
	InfoFile       = "bootimg.info"
	VendorInfoFile = "vendor_boot.info"

	KernelFile       = "kernel"
	RamdiskFile      = "ramdisk"
	SecondFile       = "second"
	RecoveryDtboFile = "recovery_dtbo"
	DtbFile          = "dtb"
	SignatureFile    = "boot_signature"
	KernelDtbFile    = "kernel_dtb"

	VendorRamdiskFile = "vendor_ramdisk"
	RamdiskTableFile  = "vendor_ramdisk_table"
	BootconfigFile    = "bootconfig"

	NewBootFile = "new-boot.img"
)

// alignTo rounds x up to the next multiple of a. a must be non-zero.
func alignTo(x, a uint64) uint64 {
	return (x + a - 1) / a * a
}

// paddingSize returns the number of zero bytes needed after size bytes to
// reach the next page boundary.
func paddingSize(size, pageSize uint64) uint64 {
	return alignTo(size, pageSize) - size
}
