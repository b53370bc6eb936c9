package main

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/miekg/dns"
	"github.com/spf13/viper"

	"github.com/treemana/dnsproxy/cache"
	"github.com/treemana/dnsproxy/upstream"
	"github.com/treemana/dnsproxy/util"
)

const defaultConfigFile = "dnsproxy.json"

// Option represents the config file.  Defaults are set in loadConfig, do not
// rely on zero values where a default exists.
type Option struct {
	Log struct {
		File    string `mapstructure:"file"`
		STDOUT  bool   `mapstructure:"stdout"`
		Verbose bool   `mapstructure:"verbose"`
		JSON    bool   `mapstructure:"json"`
	} `mapstructure:"log"`

	Server struct {
		Address string `mapstructure:"address" validate:"required,ip"`
		Port    int    `mapstructure:"port" validate:"min=1,max=65535"`
		UDP     bool   `mapstructure:"udp"`
		TCP     bool   `mapstructure:"tcp"`

		// MaxClients bounds the queries waiting for an answer
		MaxClients int `mapstructure:"max_clients" validate:"min=0"`
	} `mapstructure:"server"`

	Interfaces struct {
		// Input names or indexes of the interfaces queries are accepted on
		Input []string `mapstructure:"input" validate:"required,min=1,max=5,dive,required"`

		// Output upstream queries are sent from its addresses, empty lets the
		// kernel choose
		Output string `mapstructure:"output"`
	} `mapstructure:"interfaces"`

	DNS64 struct {
		Prefix    string `mapstructure:"prefix" validate:"omitempty,cidrv6"`
		ForceAAAA bool   `mapstructure:"force_aaaa"`
	} `mapstructure:"dns64"`

	Upstream struct {
		// Resolvers the fastest url of every group is used
		Resolvers [][]string    `mapstructure:"resolvers" validate:"required,min=1,dive,min=1,dive,url"`
		Timeout   time.Duration `mapstructure:"timeout" validate:"min=0"`

		// ECS settings, ECS will disable when nil
		ECS *struct {
			IPV4       string `mapstructure:"ip_v4" validate:"omitempty,ipv4"`
			IPV6       string `mapstructure:"ip_v6" validate:"omitempty,ipv6"`
			MaskBitsV4 uint8  `mapstructure:"mask_bits_v4" validate:"max=32"`
			MaskBitsV6 uint8  `mapstructure:"mask_bits_v6" validate:"max=128"`
		} `mapstructure:"ecs"`
	} `mapstructure:"upstream"`

	Cache struct {
		cache.Config `mapstructure:",squash"`

		// CleanInterval expired records are dropped this often, never if zero
		CleanInterval time.Duration `mapstructure:"clean_interval"`
	} `mapstructure:"cache"`
}

func loadConfig(file string) (*Option, error) {
	v := viper.New()
	v.SetConfigFile(file)

	v.SetDefault("log.stdout", true)
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", 53)
	v.SetDefault("server.udp", true)
	v.SetDefault("server.tcp", true)
	v.SetDefault("upstream.timeout", "5s")
	v.SetDefault("cache.clean_interval", "1m")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s error=[%w]", file, err)
	}

	var option Option
	if err := v.Unmarshal(&option); err != nil {
		return nil, fmt.Errorf("unmarshal config %s error=[%w]", v.ConfigFileUsed(), err)
	}

	if err := validateOption(&option); err != nil {
		return nil, fmt.Errorf("config %q is invalid:\n%w", v.ConfigFileUsed(), err)
	}

	return &option, nil
}

func validateOption(option *Option) error {
	err := validator.New().Struct(option)
	if err == nil {
		return nil
	}

	errs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	var lines = make([]string, 0, len(errs))
	for _, fe := range errs {
		lines = append(lines, fmt.Sprintf("%s fails %q %s", fe.Namespace(), fe.Tag(), fe.Param()))
	}
	return fmt.Errorf("%s", strings.Join(lines, "\n"))
}

func getSubnets(option *Option) ([]*dns.EDNS0_SUBNET, error) {
	ecs := option.Upstream.ECS
	if ecs == nil {
		return nil, nil
	}

	var subnets = make([]*dns.EDNS0_SUBNET, 0, 2)

	subnetV4, err := getSubnet(ecs.IPV4, false, ecs.MaskBitsV4)
	if err != nil {
		return nil, err
	}
	subnets = append(subnets, subnetV4)

	var subnetV6 *dns.EDNS0_SUBNET
	if subnetV6, err = getSubnet(ecs.IPV6, true, ecs.MaskBitsV6); err != nil {
		return nil, err
	}
	subnets = append(subnets, subnetV6)

	return subnets, nil
}

// getSubnet builds the subnet of ipRAW, the public address is looked up when
// ipRAW is empty.
func getSubnet(ipRAW string, v6 bool, mask uint8) (*dns.EDNS0_SUBNET, error) {

	var ip net.IP
	if len(ipRAW) == 0 {
		var err error
		if v6 {
			ip, err = util.GetPublicIPV6()
		} else {
			ip, err = util.GetPublicIPV4()
		}
		if err != nil {
			return nil, err
		}
	} else {
		ip = net.ParseIP(ipRAW)
	}

	if ip == nil {
		return nil, nil
	}

	if v6 {
		ip = ip.To16()
	} else {
		ip = ip.To4()
	}

	return util.DNSNewSubnetFromIP(ip, mask), nil
}

// getBind returns the addresses of the output interface.
func getBind(option *Option) (upstream.Bind, error) {
	if len(option.Interfaces.Output) == 0 {
		return upstream.Bind{}, nil
	}

	index, err := util.InterfaceIndex(option.Interfaces.Output)
	if err != nil {
		return upstream.Bind{}, err
	}

	var bind upstream.Bind
	if bind.V4, err = util.InterfaceAddr(index, false); err != nil {
		return upstream.Bind{}, fmt.Errorf("output interface %s error=[%w]", option.Interfaces.Output, err)
	}
	if bind.V6, err = util.InterfaceAddr(index, true); err != nil {
		return upstream.Bind{}, fmt.Errorf("output interface %s error=[%w]", option.Interfaces.Output, err)
	}

	return bind, nil
}
