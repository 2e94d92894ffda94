package netmock

//go:generate go tool mockgen -destination=netmock.go -package=netmock net PacketConn
