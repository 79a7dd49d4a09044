package kernel

// Status is the one-byte result carried in every reply message.
type Status uint8

const (
	EOK Status = iota

	// Transient.
	EAGAIN
	EBUSY
	ETIMEDOUT

	// Resource.
	ENOMEM
	EXFULL
	ENOSPC

	// Precondition.
	EINVAL
	ENOSYS
	EPERM
	ENOENT
	EEXIST
	ENOTDIR
	ENAMETOOLONG
	ENOTEMPTY
	EMLINK

	// Device.
	ENODEV
	EIO
	EACCES

	ECANCELED
)

func (s Status) String() string {
	switch s {
	case EOK:
		return "ok"
	case EAGAIN:
		return "again"
	case EBUSY:
		return "busy"
	case ETIMEDOUT:
		return "timed out"
	case ENOMEM:
		return "out of memory"
	case EXFULL:
		return "exchange full"
	case ENOSPC:
		return "no space"
	case EINVAL:
		return "invalid argument"
	case ENOSYS:
		return "not implemented"
	case EPERM:
		return "not permitted"
	case ENOENT:
		return "not found"
	case EEXIST:
		return "already exists"
	case ENOTDIR:
		return "not a directory"
	case ENAMETOOLONG:
		return "name too long"
	case ENOTEMPTY:
		return "not empty"
	case EMLINK:
		return "too many links"
	case ENODEV:
		return "no such device"
	case EIO:
		return "i/o error"
	case EACCES:
		return "access denied"
	case ECANCELED:
		return "canceled"
	default:
		return "unknown"
	}
}
