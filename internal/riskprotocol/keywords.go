package riskprotocol

// Keywords is the fixed catalogue that standardised protocols fold into for
// ML features. Order is load-bearing: when two keywords of equal length match
// a protocol, the earlier entry wins.
var Keywords = []string{
	"abdominal",
	"abnormal lab",
	"allergic reaction",
	"altered mental status",
	"animal bite",
	"anxiety",
	"back pain",
	"behavioral",
	"bladder catheter issue",
	"bleeding",
	"blood in stool",
	"blood pressure",
	"blood sugar",
	"breathing problem",
	"burn",
	"cellulitis",
	"chest pain",
	"confusion",
	"congestion",
	"constipation",
	"cough",
	"covid",
	"dehydration",
	"diarrhea",
	"dizziness",
	"ear pain",
	"edema",
	"epistaxis",
	"extremity injury",
	"eye problem",
	"fall",
	"fatigue",
	"feeding tube issue",
	"fever",
	"flank pain",
	"flu",
	"g-tube",
	"gout",
	"head injury",
	"headache",
	"hemorrhoids",
	"high blood pressure",
	"hives",
	"hypertension",
	"hypotension",
	"incision",
	"infection",
	"ingestion",
	"insect bite",
	"laceration",
	"leth",
	"medication question",
	"migraine",
	"nausea",
	"neck pain",
	"neurologic complaint",
	"numbness",
	"nursing question",
	"ostomy issue",
	"pain",
	"palpitations",
	"pelvic pain",
	"post op",
	"pregnancy",
	"rash",
	"rectal pain",
	"respiratory distress",
	"seizure",
	"shortness of breath",
	"sinus",
	"skin issue",
	"sore throat",
	"swelling",
	"syncope",
	"testicular pain",
	"urinary problem",
	"vomiting",
	"weakness",
	"wheezing",
	"wound",
	"wound care",
}

// KeywordAliases rewrites a folded keyword when the catalogue token is a
// shorthand for the canonical feature value.
var KeywordAliases = map[string]string{
	"leth":                  "weakness",
	"g-tube":                "feeding tube issue",
	"hypertension":          "high blood pressure",
	"flu":                   "influenza",
	"epistaxis":             "nosebleed",
	"post op":               "post operative",
	"sinus":                 "congestion",
	"altered mental status": "confusion",
}
