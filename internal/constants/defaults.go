package constants

// Queue defaults
const (
	// DefaultQueueKey is the storage key the queue snapshot lives under.
	DefaultQueueKey = "offline_message_queue"
	// DefaultDrainDelayMs is the pause between two sends of one drain pass.
	DefaultDrainDelayMs         = 500
	QueueSubscriberBufferSize   = 1
	ConnectivityEventBufferSize = 1
)

// Storage defaults
const (
	StorageDriverSQLite = "sqlite"
	StorageDriverBolt   = "bolt"
	StorageDriverMemory = "memory"

	DefaultStorageDriver     = StorageDriverSQLite
	DefaultStoragePath       = "sendqueue.db"
	DefaultBoltBucket        = "queues"
	DefaultBoltOpenTimeoutMs = 1000
)

// Default retry values for opening the store
const (
	DefaultRetryBackoffMs         = 1000
	DefaultMaxBackoffMs           = 60000
	DefaultMaxAttempts            = 5
	DefaultDatabaseRetryAttempts  = 3
	DefaultDatabaseRetryBackoffMs = 50
)

// Connectivity monitor defaults
const (
	DefaultConnectivityCheckSec = 10
	DefaultDialTimeoutMs        = 3000
)

// Server and backend defaults
const (
	DefaultServerPort            = 8082
	DefaultBackendTimeoutSec     = 30
	DefaultGracefulShutdownSec   = 30
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	ServerErrorChannelSize       = 1
	MaxRequestBodyBytes          = 10 << 20
)

// Input limits
const (
	MaxEntryIDLength    = 128
	MaxChatTargetLength = 256
	MaxDrainDelayMs     = 60000
)

// Backend protocol
const (
	BackendRequestPostMessage = "postmessage"
	SessionCookieName         = "token"
)

// Privacy settings
const (
	DefaultTokenMaskLength  = 4
	DefaultChatIDMaskLength = 2
)

// Encryption salts for at-rest encryption of queued content
const (
	EncryptionSalt = "sendqueue-queue-salt-v1"
)
