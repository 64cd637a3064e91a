package config

import (
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// Version is a major/minor version pair of the form Major.Minor. Major
// version bumps indicate structural/type changes; minor bumps are
// strictly additive.
type Version string

// MajorMinorVersion constructs a Version from its Major and Minor parts.
func MajorMinorVersion(major, minor uint) Version {
	return Version(fmt.Sprintf("%d.%d", major, minor))
}

func (version Version) major() (uint, error) {
	majorPart := strings.Split(string(version), ".")[0]
	major, err := strconv.ParseUint(majorPart, 10, 0)
	return uint(major), err
}

// Major returns the major version portion of a Version.
func (version Version) Major() uint {
	major, _ := version.major()
	return major
}

func (version Version) minor() (uint, error) {
	minorPart := strings.Split(string(version), ".")[1]
	minor, err := strconv.ParseUint(minorPart, 10, 0)
	return uint(minor), err
}

// Minor returns the minor version portion of a Version.
func (version Version) Minor() uint {
	minor, _ := version.minor()
	return minor
}

// VersionedParseInfo defines how a specific configuration file version
// should be parsed into the current version.
type VersionedParseInfo struct {
	Version        Version
	ParseAs        reflect.Type
	ConversionFunc func(interface{}) (interface{}, error)
}

// Parser parses a configuration file and its environment overlay,
// dispatching on a Version field to one of a set of registered
// versioned layouts.
type Parser struct {
	prefix  string
	mapping map[Version]VersionedParseInfo
	env     map[string]string
}

// NewParser returns a *Parser with the given environment-variable
// prefix, handling the versioned layouts named by parseInfos.
func NewParser(prefix string, parseInfos []VersionedParseInfo) *Parser {
	p := Parser{prefix: prefix, mapping: make(map[Version]VersionedParseInfo), env: make(map[string]string)}

	for _, parseInfo := range parseInfos {
		p.mapping[parseInfo.Version] = parseInfo
	}

	for _, env := range os.Environ() {
		envParts := strings.SplitN(env, "=", 2)
		p.env[envParts[0]] = envParts[1]
	}

	return &p
}

// Parse reads the given YAML document and environment into v.
//
// Environment variables override configuration fields following the
// scheme below: v.Abc may be replaced by PREFIX_ABC, v.Abc.Xyz by
// PREFIX_ABC_XYZ, and so on.
func (p *Parser) Parse(in []byte, v interface{}) error {
	var versionedStruct struct {
		Version Version
	}

	if err := yaml.Unmarshal(in, &versionedStruct); err != nil {
		return err
	}

	parseInfo, ok := p.mapping[versionedStruct.Version]
	if !ok {
		return fmt.Errorf("unsupported config version: %q", versionedStruct.Version)
	}

	parseAs := reflect.New(parseInfo.ParseAs)
	if err := yaml.Unmarshal(in, parseAs.Interface()); err != nil {
		return err
	}

	if err := p.overwriteFields(parseAs, p.prefix); err != nil {
		return err
	}

	c, err := parseInfo.ConversionFunc(parseAs.Interface())
	if err != nil {
		return err
	}
	reflect.ValueOf(v).Elem().Set(reflect.Indirect(reflect.ValueOf(c)))
	return nil
}

func (p *Parser) overwriteFields(v reflect.Value, prefix string) error {
	for v.Kind() == reflect.Ptr {
		v = reflect.Indirect(v)
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			sf := v.Type().Field(i)
			fieldPrefix := strings.ToUpper(prefix + "_" + sf.Name)
			if e, ok := p.env[fieldPrefix]; ok {
				fieldVal := reflect.New(sf.Type)
				if err := yaml.Unmarshal([]byte(e), fieldVal.Interface()); err != nil {
					return err
				}
				v.Field(i).Set(reflect.Indirect(fieldVal))
			}
			if err := p.overwriteFields(v.Field(i), fieldPrefix); err != nil {
				return err
			}
		}
	case reflect.Map:
		return p.overwriteMap(v, prefix)
	}
	return nil
}

func (p *Parser) overwriteMap(m reflect.Value, prefix string) error {
	switch m.Type().Elem().Kind() {
	case reflect.Struct:
		for _, k := range m.MapKeys() {
			if err := p.overwriteFields(m.MapIndex(k), strings.ToUpper(fmt.Sprintf("%s_%s", prefix, k))); err != nil {
				return err
			}
		}
		return p.overwriteMapLeaves(m, prefix)
	case reflect.Map:
		for _, k := range m.MapKeys() {
			if err := p.overwriteMap(m.MapIndex(k), strings.ToUpper(fmt.Sprintf("%s_%s", prefix, k))); err != nil {
				return err
			}
		}
		return nil
	default:
		return p.overwriteMapLeaves(m, prefix)
	}
}

func (p *Parser) overwriteMapLeaves(m reflect.Value, prefix string) error {
	envMapRegexp, err := regexp.Compile(fmt.Sprintf("^%s_([A-Z0-9]+)$", strings.ToUpper(prefix)))
	if err != nil {
		return err
	}
	for key, val := range p.env {
		submatches := envMapRegexp.FindStringSubmatch(key)
		if submatches == nil {
			continue
		}
		mapValue := reflect.New(m.Type().Elem())
		if err := yaml.Unmarshal([]byte(val), mapValue.Interface()); err != nil {
			return err
		}
		m.SetMapIndex(reflect.ValueOf(strings.ToLower(submatches[1])), reflect.Indirect(mapValue))
	}
	return nil
}
