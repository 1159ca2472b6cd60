package registration

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
	"github.com/JakeFAU/bulk-registrar/internal/validation"
)

const (
	maxSellerTags     = 10
	defaultOriginArea = "상세설명참조"
)

// Payload is the product registration request body.
type Payload struct {
	OriginProduct OriginProduct `json:"originProduct"`
}

// OriginProduct carries the product definition.
type OriginProduct struct {
	StatusType      string          `json:"statusType"`
	SaleType        string          `json:"saleType"`
	LeafCategoryID  string          `json:"leafCategoryId"`
	Name            string          `json:"name"`
	DetailContent   string          `json:"detailContent"`
	SalePrice       int64           `json:"salePrice"`
	StockQuantity   int64           `json:"stockQuantity"`
	Images          *Images         `json:"images,omitempty"`
	DeliveryInfo    DeliveryInfo    `json:"deliveryInfo"`
	DetailAttribute DetailAttribute `json:"detailAttribute"`
	OptionInfo      *OptionInfo     `json:"optionInfo,omitempty"`
}

// Image is a hosted image reference.
type Image struct {
	URL string `json:"url"`
}

// Images lists the representative and optional images.
type Images struct {
	RepresentativeImage Image   `json:"representativeImage"`
	OptionalImages      []Image `json:"optionalImages,omitempty"`
}

// DeliveryInfo describes shipping.
type DeliveryInfo struct {
	DeliveryType          string      `json:"deliveryType"`
	DeliveryAttributeType string      `json:"deliveryAttributeType"`
	DeliveryFee           DeliveryFee `json:"deliveryFee"`
}

// DeliveryFee describes shipping charges.
type DeliveryFee struct {
	DeliveryFeeType       string `json:"deliveryFeeType"`
	BaseFee               int64  `json:"baseFee"`
	FreeConditionalAmount int64  `json:"freeConditionalAmount,omitempty"`
	ReturnFee             int64  `json:"returnFee"`
	ExchangeFee           int64  `json:"exchangeFee"`
}

// DetailAttribute holds search, origin and seller metadata.
type DetailAttribute struct {
	SearchInfo       SearchInfo  `json:"naverShoppingSearchInfo"`
	OriginAreaInfo   OriginArea  `json:"originAreaInfo"`
	SellerCodeInfo   SellerCode  `json:"sellerCodeInfo"`
	ProductCondition string      `json:"productCondition"`
	SellerTags       []SellerTag `json:"sellerTags,omitempty"`
}

// SearchInfo carries brand and manufacturer names.
type SearchInfo struct {
	ManufacturerName string `json:"manufacturerName"`
	BrandName        string `json:"brandName"`
	ModelName        string `json:"modelName"`
}

// OriginArea describes the country of origin.
type OriginArea struct {
	OriginAreaCode string `json:"originAreaCode"`
	Content        string `json:"content"`
	Plural         bool   `json:"plural"`
}

// SellerCode carries the seller's own product code.
type SellerCode struct {
	SellerManagementCode string `json:"sellerManagementCode"`
}

// SellerTag is one search tag.
type SellerTag struct {
	Code int    `json:"code"`
	Text string `json:"text"`
}

// OptionInfo lists option groups and every value combination.
type OptionInfo struct {
	SortType     string              `json:"optionCombinationSortType"`
	GroupNames   map[string]string   `json:"optionCombinationGroupNames"`
	Combinations []OptionCombination `json:"optionCombinations"`
}

// OptionCombination is one sellable SKU.
type OptionCombination struct {
	OptionName1   string `json:"optionName1,omitempty"`
	OptionName2   string `json:"optionName2,omitempty"`
	StockQuantity int64  `json:"stockQuantity"`
	Price         int64  `json:"price"`
	Usable        bool   `json:"usable"`
}

// BuildPayload converts a validated row into a registration payload. images
// maps non-URL image references to their uploaded URLs; unmapped local
// references are dropped.
func BuildPayload(row registrar.Row, images map[string]string) (Payload, error) {
	price, err := validation.ParseInt(row["sale_price"])
	if err != nil {
		return Payload{}, fmt.Errorf("%w: sale_price: %v", registrar.ErrInvalidArgument, err)
	}
	stock := intOr(row["stock_quantity"], 0)

	feeType := strings.ToUpper(strings.TrimSpace(row["delivery_fee_type"]))
	if feeType == "" {
		feeType = "PAID"
	}
	condition := strings.ToUpper(strings.TrimSpace(row["product_condition"]))
	if condition == "" {
		condition = "NEW"
	}
	origin := strings.TrimSpace(row["origin_area"])
	if origin == "" {
		origin = defaultOriginArea
	}

	p := OriginProduct{
		StatusType:     "SALE",
		SaleType:       "NEW",
		LeafCategoryID: strings.TrimSpace(row["category_id"]),
		Name:           strings.TrimSpace(row["product_name"]),
		DetailContent:  row["detail_content"],
		SalePrice:      price,
		StockQuantity:  stock,
		DeliveryInfo: DeliveryInfo{
			DeliveryType:          "DELIVERY",
			DeliveryAttributeType: "NORMAL",
			DeliveryFee: DeliveryFee{
				DeliveryFeeType: feeType,
				BaseFee:         intOr(row["base_delivery_fee"], 0),
				ReturnFee:       intOr(row["return_fee"], 0),
				ExchangeFee:     intOr(row["exchange_fee"], 0),
			},
		},
		DetailAttribute: DetailAttribute{
			SearchInfo: SearchInfo{
				ManufacturerName: row["manufacturer"],
				BrandName:        row["brand"],
			},
			OriginAreaInfo:   OriginArea{OriginAreaCode: "00", Content: origin},
			SellerCodeInfo:   SellerCode{SellerManagementCode: row["seller_managed_code"]},
			ProductCondition: condition,
		},
	}
	if feeType == "CONDITIONAL_FREE" {
		p.DeliveryInfo.DeliveryFee.FreeConditionalAmount = intOr(row["free_condition_amount"], 0)
	}
	p.Images = buildImages(row, images)
	p.OptionInfo = buildOptions(row, stock)
	for i, tag := range validation.SplitList(row["seller_tags"]) {
		if i == maxSellerTags {
			break
		}
		p.DetailAttribute.SellerTags = append(p.DetailAttribute.SellerTags, SellerTag{Text: tag})
	}
	return Payload{OriginProduct: p}, nil
}

// ImageRefs returns the representative and optional image references of row
// that are not already URLs and therefore need uploading.
func ImageRefs(row registrar.Row) []string {
	var refs []string
	for _, field := range []string{"representative_image", "optional_images"} {
		for _, ref := range validation.SplitList(row[field]) {
			if !validation.IsURL(ref) {
				refs = append(refs, ref)
			}
		}
	}
	return refs
}

func buildImages(row registrar.Row, uploaded map[string]string) *Images {
	resolve := func(ref string) (string, bool) {
		if validation.IsURL(ref) {
			return ref, true
		}
		u, ok := uploaded[ref]
		return u, ok && u != ""
	}
	reps := validation.SplitList(row["representative_image"])
	if len(reps) == 0 {
		return nil
	}
	rep, ok := resolve(reps[0])
	if !ok {
		return nil
	}
	images := &Images{RepresentativeImage: Image{URL: rep}}
	for _, ref := range validation.SplitList(row["optional_images"]) {
		if u, ok := resolve(ref); ok {
			images.OptionalImages = append(images.OptionalImages, Image{URL: u})
		}
	}
	return images
}

// buildOptions expands up to two option groups into their cartesian product.
func buildOptions(row registrar.Row, stock int64) *OptionInfo {
	type group struct {
		name   string
		values []string
	}
	var groups []group
	for _, n := range []string{"1", "2"} {
		name := strings.TrimSpace(row["option"+n+"_name"])
		values := validation.SplitList(row["option"+n+"_value"])
		if name != "" && len(values) > 0 {
			groups = append(groups, group{name: name, values: values})
		}
	}
	if len(groups) == 0 {
		return nil
	}
	info := &OptionInfo{SortType: "CREATE", GroupNames: make(map[string]string, len(groups))}
	for i, g := range groups {
		info.GroupNames[fmt.Sprintf("optionGroupName%d", i+1)] = g.name
	}
	for _, first := range groups[0].values {
		if len(groups) == 1 {
			info.Combinations = append(info.Combinations, OptionCombination{
				OptionName1:   first,
				StockQuantity: stock,
				Usable:        true,
			})
			continue
		}
		for _, second := range groups[1].values {
			info.Combinations = append(info.Combinations, OptionCombination{
				OptionName1:   first,
				OptionName2:   second,
				StockQuantity: stock,
				Usable:        true,
			})
		}
	}
	return info
}

func intOr(raw string, def int64) int64 {
	v, err := validation.ParseInt(raw)
	if err != nil {
		return def
	}
	return v
}
