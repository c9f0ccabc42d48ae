package mock

//go:generate mockgen -destination aliases.go -package mock github.com/buildbarn/bb-disk-manager/internal/mock/aliases WALLog,WALRecoveryHandler
//go:generate mockgen -destination blockdevice.go -package mock github.com/buildbarn/bb-storage/pkg/blockdevice BlockDevice
//go:generate mockgen -destination clock.go -package mock github.com/buildbarn/bb-storage/pkg/clock Clock,Timer,Ticker
//go:generate mockgen -destination disk.go -package mock github.com/buildbarn/bb-disk-manager/pkg/disk Allocator,Checkpointer,VolumeStorage
//go:generate mockgen -destination util.go -package mock github.com/buildbarn/bb-storage/pkg/util ErrorLogger
